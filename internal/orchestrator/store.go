package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
)

// Definition is a named set of servers with default execution settings.
type Definition struct {
	Name        string        `json:"name"`
	Members     []string      `json:"members"`
	Strategy    Strategy      `json:"strategy"`
	Delay       time.Duration `json:"delay"`
	StopOnError bool          `json:"stop_on_error"`
	Computed    bool          `json:"computed,omitempty"`
}

func (d Definition) validate() error {
	if d.Name == "" {
		return errors.New("group name is required")
	}
	if d.Name == config.AllGroup {
		return fmt.Errorf("group %q is computed and cannot be saved", config.AllGroup)
	}
	if len(d.Members) == 0 {
		return fmt.Errorf("group %q has no members", d.Name)
	}
	seen := make(map[string]bool, len(d.Members))
	for _, m := range d.Members {
		if seen[m] {
			return fmt.Errorf("group %q lists %q twice", d.Name, m)
		}
		seen[m] = true
	}
	if _, err := ParseStrategy(string(d.Strategy)); err != nil {
		return err
	}
	if d.Delay < 0 {
		return errors.New("delay must not be negative")
	}
	return nil
}

// Store persists group definitions in the group_definitions table.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func toRow(d Definition) database.GroupDefinition {
	return database.GroupDefinition{
		Name:        d.Name,
		Members:     append([]string(nil), d.Members...),
		Strategy:    string(d.Strategy),
		DelayMs:     d.Delay.Milliseconds(),
		StopOnError: d.StopOnError,
	}
}

func fromRow(r database.GroupDefinition) Definition {
	return Definition{
		Name:        r.Name,
		Members:     append([]string(nil), r.Members...),
		Strategy:    Strategy(r.Strategy),
		Delay:       time.Duration(r.DelayMs) * time.Millisecond,
		StopOnError: r.StopOnError,
	}
}

// Save creates or replaces a definition.
func (s *Store) Save(d Definition) error {
	if d.Strategy == "" {
		d.Strategy = Parallel
	}
	if err := d.validate(); err != nil {
		return err
	}
	row := toRow(d)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"members", "strategy", "delay_ms", "stop_on_error", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save group %q: %w", d.Name, err)
	}
	return nil
}

// Get returns one definition or NotFound.
func (s *Store) Get(name string) (Definition, error) {
	var row database.GroupDefinition
	err := s.db.First(&row, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Definition{}, fleeterr.Newf(fleeterr.KindNotFound, "group", "unknown group %q", name)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("get group %q: %w", name, err)
	}
	return fromRow(row), nil
}

// List returns every stored definition ordered by name.
func (s *Store) List() ([]Definition, error) {
	var rows []database.GroupDefinition
	if err := s.db.Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]Definition, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

// Delete removes a definition. Deleting an unknown group is NotFound.
func (s *Store) Delete(name string) error {
	res := s.db.Where("name = ?", name).Delete(&database.GroupDefinition{})
	if res.Error != nil {
		return fmt.Errorf("delete group %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fleeterr.Newf(fleeterr.KindNotFound, "group", "unknown group %q", name)
	}
	return nil
}

// Seed writes inventory-declared groups, replacing stored definitions of
// the same name.
func (s *Store) Seed(seeds map[string]config.GroupSeed) error {
	for name, g := range seeds {
		d := Definition{
			Name:        name,
			Members:     g.Members,
			Strategy:    Strategy(g.Strategy),
			Delay:       g.Delay,
			StopOnError: g.StopOnError,
		}
		if err := s.Save(d); err != nil {
			return fmt.Errorf("seed groups: %w", err)
		}
	}
	return nil
}
