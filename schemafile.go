package loam

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// schemaDoc is the on-disk schema document shape.
type schemaDoc struct {
	Entities []entityDoc `yaml:"entities"`
}

type entityDoc struct {
	Name       string                 `yaml:"name"`
	Table      string                 `yaml:"table"`
	Key        string                 `yaml:"key"`
	KeyKind    string                 `yaml:"key_kind"`
	SoftDelete string                 `yaml:"soft_delete"`
	Timestamps bool                   `yaml:"timestamps"`
	Fillable   []string               `yaml:"fillable"`
	Casts      map[string]string      `yaml:"casts"`
	Relations  map[string]relationDoc `yaml:"relations"`
}

type relationDoc struct {
	Kind            string   `yaml:"kind"`
	Entity          string   `yaml:"entity"`
	ForeignKey      string   `yaml:"foreign_key"`
	LocalKey        string   `yaml:"local_key"`
	OwnerKey        string   `yaml:"owner_key"`
	Pivot           string   `yaml:"pivot"`
	PivotFK         string   `yaml:"pivot_fk"`
	PivotRK         string   `yaml:"pivot_rk"`
	PivotColumns    []string `yaml:"pivot_columns"`
	PivotTimestamps bool     `yaml:"pivot_timestamps"`
	Through         string   `yaml:"through"`
	ThroughFK       string   `yaml:"through_fk"`
	ThroughKey      string   `yaml:"through_key"`
	Morph           string   `yaml:"morph"`
}

// ParseDefinitions parses a YAML schema document into entity definitions.
// Convention defaults are left unset; NewRegistry fills them.
func ParseDefinitions(data []byte) ([]*Definition, error) {
	var doc schemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("loam: parsing schema: %w", err)
	}
	if len(doc.Entities) == 0 {
		return nil, fmt.Errorf("loam: schema document declares no entities")
	}
	defs := make([]*Definition, 0, len(doc.Entities))
	for _, e := range doc.Entities {
		d, err := e.definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// ReadDefinitions parses a YAML schema document from r.
func ReadDefinitions(r io.Reader) ([]*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseDefinitions(data)
}

// LoadDefinitions parses the YAML schema file at the given path.
func LoadDefinitions(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinitions(data)
}

func (e entityDoc) definition() (*Definition, error) {
	kk, err := parseKeyKind(e.KeyKind)
	if err != nil {
		return nil, fmt.Errorf("loam: entity %q: %w", e.Name, err)
	}
	d := &Definition{
		Name:       e.Name,
		Table:      e.Table,
		Key:        e.Key,
		KeyKind:    kk,
		SoftDelete: e.SoftDelete,
		Timestamps: e.Timestamps,
		Fillable:   e.Fillable,
		Casts:      make(map[string]Kind, len(e.Casts)),
		Relations:  make(map[string]Relation, len(e.Relations)),
	}
	for col, name := range e.Casts {
		k, err := parseKind(name)
		if err != nil {
			return nil, fmt.Errorf("loam: entity %q cast %q: %w", e.Name, col, err)
		}
		d.Casts[col] = k
	}
	for name, r := range e.Relations {
		rel, err := r.relation()
		if err != nil {
			return nil, fmt.Errorf("loam: entity %q relation %q: %w", e.Name, name, err)
		}
		d.Relations[name] = rel
	}
	return d, nil
}

func (r relationDoc) relation() (Relation, error) {
	kind, err := parseRelKind(r.Kind)
	if err != nil {
		return Relation{}, err
	}
	return Relation{
		Kind:            kind,
		Entity:          r.Entity,
		ForeignKey:      r.ForeignKey,
		LocalKey:        r.LocalKey,
		OwnerKey:        r.OwnerKey,
		Pivot:           r.Pivot,
		PivotFK:         r.PivotFK,
		PivotRK:         r.PivotRK,
		PivotColumns:    r.PivotColumns,
		PivotTimestamps: r.PivotTimestamps,
		Through:         r.Through,
		ThroughFK:       r.ThroughFK,
		ThroughKey:      r.ThroughKey,
		Morph:           r.Morph,
	}, nil
}

func parseKeyKind(name string) (KeyKind, error) {
	switch name {
	case "", "int":
		return KeyInt, nil
	case "uuid":
		return KeyUUID, nil
	case "ulid":
		return KeyULID, nil
	default:
		return 0, fmt.Errorf("unknown key kind %q", name)
	}
}

func parseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown value kind %q", name)
}

func parseRelKind(name string) (RelKind, error) {
	for k, n := range relNames {
		if n == name {
			return RelKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown relation kind %q", name)
}
