package cmd

import (
	"os"

	"github.com/heapcore/heapcore/options"
)

// loadOptions reads path as a TOML options document, or returns
// options.Default() when path is empty.
func loadOptions(path string) (options.Options, error) {
	if path == "" {
		return options.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return options.Options{}, err
	}
	return options.Load(data)
}
