package yaml

import "testing"

func TestValidateSchemaHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{"ledger state", "schema_version: 1\nfile_type: state_ledger\n", FileTypeLedgerState, false},
		{"catalog", "schema_version: 1\nfile_type: catalog\n", FileTypeCatalog, false},
		{"any type accepted", "schema_version: 1\nfile_type: catalog\n", "", false},
		{"future version", "schema_version: 2\nfile_type: catalog\n", FileTypeCatalog, true},
		{"negative version", "schema_version: -1\nfile_type: catalog\n", FileTypeCatalog, true},
		{"missing version", "file_type: catalog\n", FileTypeCatalog, true},
		{"missing file type", "schema_version: 1\n", "", true},
		{"unknown file type", "schema_version: 1\nfile_type: queue_task\n", "", true},
		{"mismatch", "schema_version: 1\nfile_type: catalog\n", FileTypeLedgerState, true},
		{"not yaml", "{{", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewHeader(t *testing.T) {
	h := NewHeader(FileTypeCatalog)
	if err := h.Validate(FileTypeCatalog); err != nil {
		t.Fatalf("NewHeader produced invalid header: %v", err)
	}
}
