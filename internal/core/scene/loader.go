package scene

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a scene description.
type File struct {
	Entities []Definition `json:"entities" yaml:"entities"`
}

// LoadJSON reads scene definitions from JSON.
func LoadJSON(r io.Reader) ([]Definition, error) {
	var f File
	dec := json.NewDecoder(r)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return f.Entities, nil
}

// LoadYAML reads scene definitions from YAML.
func LoadYAML(r io.Reader) ([]Definition, error) {
	var f File
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return f.Entities, nil
}

// LoadFile picks the decoder from the file extension.
func LoadFile(path string) ([]Definition, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(fh)
	case ".json":
		return LoadJSON(fh)
	default:
		return nil, fmt.Errorf("scene file %s: unsupported extension", path)
	}
}
