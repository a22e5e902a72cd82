// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config parses ini-formatted configuration files, including
// bitcoin.conf files whose network section headers would otherwise hide the
// options from a flat struct mapping.
package config

import (
	"bytes"
	"fmt"

	"gopkg.in/ini.v1"
)

// Parse reads config options from the file path or []byte data into the
// ini-tagged struct. Options under section headers, like a bitcoin.conf
// [main] or [test] block, are flattened into the top level first, since a
// plain MapTo only sees the default section.
func Parse(cfgPathOrData, obj interface{}) error {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return err
	}

	sections := cfgFile.Sections()
	if len(sections) > 1 || sections[0].Name() != ini.DefaultSection {
		return Parse(flatten(options(cfgFile)), obj)
	}

	return cfgFile.MapTo(obj)
}

// Options returns every key-value option in the file path or []byte data,
// regardless of which section it appears under. Later sections override
// earlier ones on a key collision.
func Options(cfgPathOrData interface{}) (map[string]string, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}
	return options(cfgFile), nil
}

func options(cfgFile *ini.File) map[string]string {
	opts := make(map[string]string)
	for _, section := range cfgFile.Sections() {
		for _, key := range section.Keys() {
			opts[key.Name()] = key.String()
		}
	}
	return opts
}

// flatten regenerates sectionless ini data from an options map.
func flatten(opts map[string]string) []byte {
	var buf bytes.Buffer
	for key, value := range opts {
		fmt.Fprintf(&buf, "%s=%s\n", key, value)
	}
	return buf.Bytes()
}
