package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"phim/internal/codec"
)

// Size is one responsive breakpoint. Media may be empty.
type Size struct {
	Label string
	Width int
	Media string
}

// Format is one output format and its encoder settings.
type Format struct {
	Name string
	// Always emits the format even when the source is in another format.
	Always bool
	// Alpha reports whether the format can carry transparency.
	Alpha  bool
	Params codec.Params
}

// Transform is the ordered set of sizes and formats. Order is significant:
// it decides the order of <source> elements and thus browser preference.
type Transform struct {
	Sizes   []Size
	Formats []Format
}

func DefaultTransform() Transform {
	return Transform{
		Sizes: []Size{
			{Label: "sm", Width: 480, Media: "(max-width: 600px)"},
			{Label: "md", Width: 960, Media: ""},
			{Label: "lg", Width: 1920, Media: "(min-width: 1200px)"},
		},
		Formats: []Format{
			{Name: "jpeg", Always: true, Alpha: false, Params: codec.Params{Quality: 80, Progressive: true}},
			{Name: "webp", Always: true, Alpha: true, Params: codec.Params{Quality: 80, Progressive: true}},
			{Name: "png", Always: false, Alpha: true, Params: codec.Params{Compression: 8, Progressive: true}},
		},
	}
}

// Format looks up a format by name.
func (t Transform) Format(name string) (Format, bool) {
	for _, f := range t.Formats {
		if f.Name == name {
			return f, true
		}
	}
	return Format{}, false
}

func (t Transform) Validate() error {
	if len(t.Sizes) == 0 {
		return fmt.Errorf("config: at least one size is required")
	}
	if len(t.Formats) == 0 {
		return fmt.Errorf("config: at least one format is required")
	}

	labels := make(map[string]bool, len(t.Sizes))
	for _, s := range t.Sizes {
		if s.Label == "" {
			return fmt.Errorf("config: size label must not be empty")
		}
		if labels[s.Label] {
			return fmt.Errorf("config: duplicate size label %q", s.Label)
		}
		labels[s.Label] = true
		if s.Width <= 0 {
			return fmt.Errorf("config: size %q: width must be positive, got %d", s.Label, s.Width)
		}
	}

	names := make(map[string]bool, len(t.Formats))
	for _, f := range t.Formats {
		if names[f.Name] {
			return fmt.Errorf("config: duplicate format %q", f.Name)
		}
		names[f.Name] = true
		if !codec.Supported(f.Name) {
			return fmt.Errorf("config: format %q: %w", f.Name, codec.ErrUnsupportedFormat)
		}
	}
	return nil
}

type formatYAML struct {
	Always      bool `yaml:"always"`
	Alpha       bool `yaml:"alpha"`
	Quality     int  `yaml:"quality"`
	Progressive bool `yaml:"progressive"`
	Compression int  `yaml:"compression"`
	Lossless    bool `yaml:"lossless"`
}

// LoadTransform reads a transform file from disk.
func LoadTransform(path string) (Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Transform{}, fmt.Errorf("failed to read transform file: %w", err)
	}
	transform, err := ParseTransform(data)
	if err != nil {
		return Transform{}, fmt.Errorf("%s: %w", path, err)
	}
	return transform, nil
}

// ParseTransform decodes a transform document. Mapping order in the
// document is kept. Sections that are absent keep their defaults; media
// entries apply to the sizes in effect after sizes is read.
func ParseTransform(data []byte) (Transform, error) {
	transform := DefaultTransform()

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Transform{}, fmt.Errorf("failed to parse transform: %w", err)
	}
	if len(doc.Content) == 0 {
		return transform, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return Transform{}, fmt.Errorf("transform: expected a mapping at top level")
	}

	var sizes, media, formats *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		switch key := root.Content[i].Value; key {
		case "sizes":
			sizes = root.Content[i+1]
		case "media":
			media = root.Content[i+1]
		case "formats":
			formats = root.Content[i+1]
		default:
			return Transform{}, fmt.Errorf("transform: unknown key %q", key)
		}
	}

	if sizes != nil {
		parsed, err := parseSizes(sizes)
		if err != nil {
			return Transform{}, err
		}
		transform.Sizes = parsed
	}
	if media != nil {
		var m map[string]string
		if err := media.Decode(&m); err != nil {
			return Transform{}, fmt.Errorf("transform: media: %w", err)
		}
		for i := range transform.Sizes {
			transform.Sizes[i].Media = m[transform.Sizes[i].Label]
		}
	} else if sizes != nil {
		// Custom sizes without media get no conditions.
		for i := range transform.Sizes {
			transform.Sizes[i].Media = ""
		}
	}
	if formats != nil {
		parsed, err := parseFormats(formats)
		if err != nil {
			return Transform{}, err
		}
		transform.Formats = parsed
	}

	return transform, nil
}

func parseSizes(node *yaml.Node) ([]Size, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("transform: sizes must be a mapping")
	}
	out := make([]Size, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var width int
		if err := node.Content[i+1].Decode(&width); err != nil {
			return nil, fmt.Errorf("transform: size %q: %w", node.Content[i].Value, err)
		}
		out = append(out, Size{Label: node.Content[i].Value, Width: width})
	}
	return out, nil
}

func parseFormats(node *yaml.Node) ([]Format, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("transform: formats must be a mapping")
	}
	out := make([]Format, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var f formatYAML
		if err := node.Content[i+1].Decode(&f); err != nil {
			return nil, fmt.Errorf("transform: format %q: %w", name, err)
		}
		out = append(out, Format{
			Name:   name,
			Always: f.Always,
			Alpha:  f.Alpha,
			Params: codec.Params{
				Quality:     f.Quality,
				Progressive: f.Progressive,
				Compression: f.Compression,
				Lossless:    f.Lossless,
			},
		})
	}
	return out, nil
}
