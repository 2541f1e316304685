package util

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadMultipleYamlFiles loads each path in order into the same struct,
// later files overriding earlier ones.
func LoadMultipleYamlFiles[T any](paths []string) (T, error) {
	var conf T
	for _, path := range paths {
		body, err := os.ReadFile(path)
		if err != nil {
			return conf, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(body, &conf); err != nil {
			return conf, errors.Wrapf(err, "parse config %s", path)
		}
	}
	return conf, nil
}
