package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout accepted by Seed.
//
//	hospitals:
//	  - id: city-care
//	    name: City Care Hospital
//	    phone: "+918000000001"
//	    instructions: |
//	      You are the receptionist of City Care Hospital...
//	    doctors:
//	      - name: Dr. Asha Rao
//	        specialty: General Surgery
//	        available_days: Mon-Fri
type SeedFile struct {
	Hospitals []SeedHospital `yaml:"hospitals"`
}

type SeedHospital struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	Phone        string       `yaml:"phone"`
	Instructions string       `yaml:"instructions"`
	Timezone     string       `yaml:"timezone"`
	Doctors      []SeedDoctor `yaml:"doctors"`
}

type SeedDoctor struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Specialty     string `yaml:"specialty"`
	AvailableDays string `yaml:"available_days"`
}

// SeedFromFile reads path and applies Seed.
func (s *Store) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}
	return s.Seed(ctx, f)
}

// Seed inserts hospitals and doctors that do not exist yet. Hospitals with
// an ID already present are skipped together with their doctors. It returns
// the number of hospitals created.
func (s *Store) Seed(ctx context.Context, f SeedFile) (int, error) {
	created := 0
	for _, sh := range f.Hospitals {
		if sh.ID != "" {
			if _, err := s.GetHospital(ctx, sh.ID); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return created, err
			}
		}
		h, err := s.CreateHospital(ctx, Hospital{
			ID:           sh.ID,
			Name:         sh.Name,
			Phone:        sh.Phone,
			Instructions: sh.Instructions,
			Timezone:     sh.Timezone,
		})
		if err != nil {
			return created, err
		}
		for _, sd := range sh.Doctors {
			if _, err := s.CreateDoctor(ctx, Doctor{
				ID:            sd.ID,
				HospitalID:    h.ID,
				Name:          sd.Name,
				Specialty:     sd.Specialty,
				AvailableDays: sd.AvailableDays,
			}); err != nil {
				return created, err
			}
		}
		created++
	}
	return created, nil
}
