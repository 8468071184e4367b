package services

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
)

// CatalogEntry is one KPI definition in the metric catalog file
type CatalogEntry struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Unit        string `yaml:"unit"`
	Granularity string `yaml:"granularity"`
	Direction   string `yaml:"direction"` // up = higher is better, down = lower is better
	Category    string `yaml:"category"`
}

type catalogFile struct {
	Metrics []CatalogEntry `yaml:"metrics"`
}

// LoadMetricCatalog reads KPI definitions from a YAML file
func LoadMetricCatalog(path string) ([]CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metric catalog: %w", err)
	}

	var parsed catalogFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse metric catalog: %w", err)
	}

	for i, entry := range parsed.Metrics {
		if entry.Name == "" {
			return nil, fmt.Errorf("metric catalog entry %d has no name", i)
		}
		if entry.Granularity != "" && !database.Granularity(entry.Granularity).IsValid() {
			return nil, fmt.Errorf("metric %s: unknown granularity %q", entry.Name, entry.Granularity)
		}
	}
	return parsed.Metrics, nil
}

// SeedMetricDefinitions creates or updates catalog entries in the database
func SeedMetricDefinitions(db *gorm.DB, entries []CatalogEntry) error {
	for _, entry := range entries {
		direction := entry.Direction
		if direction == "" {
			direction = "up"
		}

		var existing database.MetricDefinition
		result := db.Where("name = ?", entry.Name).First(&existing)
		if result.Error != nil {
			def := database.MetricDefinition{
				Name:        entry.Name,
				DisplayName: entry.DisplayName,
				Unit:        entry.Unit,
				Granularity: database.Granularity(entry.Granularity),
				Direction:   direction,
				Category:    entry.Category,
			}
			if err := db.Create(&def).Error; err != nil {
				return fmt.Errorf("failed to create metric definition %s: %w", entry.Name, err)
			}
			log.Printf("Created metric definition: %s", entry.Name)
			continue
		}

		updates := map[string]interface{}{
			"display_name": entry.DisplayName,
			"unit":         entry.Unit,
			"granularity":  entry.Granularity,
			"direction":    direction,
			"category":     entry.Category,
		}
		if err := db.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update metric definition %s: %w", entry.Name, err)
		}
	}
	return nil
}
