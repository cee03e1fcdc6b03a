// Package catalog reads the reference data file that feeds the ledger:
// known actors, the material catalog, and planned tasks with their plan items.
package catalog

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/store"
	yamlutil "github.com/msageha/taskledger/internal/yaml"
)

// File is the on-disk catalog.
type File struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Actors                []Actor    `yaml:"actors"`
	Materials             []Material `yaml:"materials"`
	Tasks                 []Task     `yaml:"tasks"`
}

type Actor struct {
	ID    string `yaml:"id"`
	Login string `yaml:"login"`
}

type Material struct {
	ID       string `yaml:"id"`
	Number   int    `yaml:"number"`
	Name     string `yaml:"name"`
	Unit     string `yaml:"unit"`
	ImageURL string `yaml:"image_url,omitempty"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active,omitempty"`
}

type Task struct {
	ID           string     `yaml:"id"`
	TaskNo       string     `yaml:"task_no"`
	OperatorID   string     `yaml:"operator_id"`
	VehiclePlate string     `yaml:"vehicle_plate,omitempty"`
	Plan         []PlanItem `yaml:"plan,omitempty"`
}

type PlanItem struct {
	MaterialID string `yaml:"material_id"`
	Qty        int    `yaml:"qty"`
}

// Load reads and validates the catalog at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return f, nil
}

func Parse(data []byte) (*File, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, yamlutil.FileTypeCatalog); err != nil {
		return nil, err
	}
	var f File
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// normalize lowercases UUID-shaped ids so references match regardless of case.
func (f *File) normalize() {
	for i := range f.Actors {
		f.Actors[i].ID = model.CanonicalID(f.Actors[i].ID)
	}
	for i := range f.Materials {
		f.Materials[i].ID = model.CanonicalID(f.Materials[i].ID)
	}
	for i := range f.Tasks {
		t := &f.Tasks[i]
		t.ID = model.CanonicalID(t.ID)
		t.OperatorID = model.CanonicalID(t.OperatorID)
		for j := range t.Plan {
			t.Plan[j].MaterialID = model.CanonicalID(t.Plan[j].MaterialID)
		}
	}
}

// Validate checks ids, uniqueness and references. Actor ids must be canonical
// UUIDs because deltas are only accepted from such actors.
func (f *File) Validate() error {
	errs := &ValidationErrors{}

	actors := make(map[string]bool, len(f.Actors))
	for i, a := range f.Actors {
		path := fmt.Sprintf("actors[%d]", i)
		switch {
		case !model.IsCanonicalUUID(a.ID):
			errs.Add(path+".id", "must be a UUID, got %q", a.ID)
		case actors[a.ID]:
			errs.Add(path+".id", "duplicate actor %s", a.ID)
		}
		if a.Login == "" {
			errs.Add(path+".login", "required")
		}
		actors[a.ID] = true
	}

	materials := make(map[string]bool, len(f.Materials))
	for i, m := range f.Materials {
		path := fmt.Sprintf("materials[%d]", i)
		switch {
		case m.ID == "":
			errs.Add(path+".id", "required")
		case materials[m.ID]:
			errs.Add(path+".id", "duplicate material %s", m.ID)
		}
		if m.Name == "" {
			errs.Add(path+".name", "required")
		}
		materials[m.ID] = true
	}

	tasks := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		switch {
		case t.ID == "":
			errs.Add(path+".id", "required")
		case tasks[t.ID]:
			errs.Add(path+".id", "duplicate task %s", t.ID)
		}
		tasks[t.ID] = true
		if t.TaskNo == "" {
			errs.Add(path+".task_no", "required")
		}
		if !actors[t.OperatorID] {
			errs.Add(path+".operator_id", "unknown actor %q", t.OperatorID)
		}
		planned := make(map[string]bool, len(t.Plan))
		for j, p := range t.Plan {
			ppath := fmt.Sprintf("%s.plan[%d]", path, j)
			switch {
			case !materials[p.MaterialID]:
				errs.Add(ppath+".material_id", "unknown material %q", p.MaterialID)
			case planned[p.MaterialID]:
				errs.Add(ppath+".material_id", "material %s planned twice", p.MaterialID)
			}
			planned[p.MaterialID] = true
			if p.Qty < 0 {
				errs.Add(ppath+".qty", "must not be negative, got %d", p.Qty)
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Seed converts the catalog into store reference data.
func (f *File) Seed() store.Seed {
	var seed store.Seed
	for _, a := range f.Actors {
		seed.Actors = append(seed.Actors, model.Actor{ID: a.ID, Login: a.Login})
	}
	for _, m := range f.Materials {
		active := true
		if m.Active != nil {
			active = *m.Active
		}
		seed.Materials = append(seed.Materials, model.Material{
			ID:       m.ID,
			Number:   m.Number,
			Name:     m.Name,
			Unit:     m.Unit,
			ImageURL: m.ImageURL,
			Active:   active,
		})
	}
	for _, t := range f.Tasks {
		seed.Tasks = append(seed.Tasks, model.Task{
			ID:           t.ID,
			TaskNo:       t.TaskNo,
			OperatorID:   t.OperatorID,
			VehiclePlate: t.VehiclePlate,
		})
		for _, p := range t.Plan {
			seed.PlanItems = append(seed.PlanItems, model.PlanItem{TaskID: t.ID, MaterialID: p.MaterialID, Qty: p.Qty})
		}
	}
	return seed
}

// Skeleton is an empty catalog with a valid header.
func Skeleton() *File {
	return &File{
		SchemaHeader: yamlutil.NewHeader(yamlutil.FileTypeCatalog),
		Actors:       []Actor{},
		Materials:    []Material{},
		Tasks:        []Task{},
	}
}
