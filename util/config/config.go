// Copyright 2024 The ChunkFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strconv"
	"unicode/utf8"
)

const (
	commentMarker rune = '#'
	quoteMarker   rune = '"'
)

// Config holds a parsed configuration: a JSON object whose source may carry
// '#' line comments outside of quoted strings.
type Config struct {
	data map[string]interface{}
	Raw  []byte
}

func newConfig() *Config {
	return &Config{data: make(map[string]interface{})}
}

// LoadConfigFile loads config information from a JSON file.
func LoadConfigFile(filename string) (*Config, error) {
	result := newConfig()
	confBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if err = result.parseBytes(confBytes); err != nil {
		return nil, err
	}
	return result, nil
}

// LoadConfigString loads config information from a JSON string.
func LoadConfigString(s string) (*Config, error) {
	result := newConfig()
	if err := result.parseBytes([]byte(s)); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Config) parseBytes(confBytes []byte) error {
	jsonRawBytes := trimComments(confBytes)
	c.Raw = jsonRawBytes
	return json.Unmarshal(jsonRawBytes, &c.data)
}

func trimComments(data []byte) (trimRes []byte) {
	trimRes = make([]byte, 0, len(data))
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		trimRes = append(trimRes, trimLineComments(scanner.Bytes())...)
	}
	return trimRes
}

func trimLineComments(lineBytes []byte) []byte {
	trimRes := make([]byte, 0, len(lineBytes))
	quoteCnt := 0
trimLoop:
	for {
		r, size := utf8.DecodeRune(lineBytes)
		if size == 0 {
			break
		}
		switch r {
		case commentMarker:
			if quoteCnt%2 == 0 {
				break trimLoop
			}
		case quoteMarker:
			quoteCnt++
		}
		trimRes = append(trimRes, lineBytes[:size]...)
		lineBytes = lineBytes[size:]
	}
	return append(trimRes, '\n')
}

func (c *Config) HasKey(key string) bool {
	_, ok := c.data[key]
	return ok
}

func (c *Config) GetString(key string) string {
	if v, ok := c.data[key].(string); ok {
		return v
	}
	return ""
}

func (c *Config) GetStringWithDefault(key, def string) string {
	if v, ok := c.data[key].(string); ok {
		return v
	}
	return def
}

func (c *Config) GetBool(key string) bool {
	switch v := c.data[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	}
	return false
}

func (c *Config) GetBoolWithDefault(key string, def bool) bool {
	if _, ok := c.data[key]; !ok {
		return def
	}
	return c.GetBool(key)
}

func (c *Config) GetInt64(key string) int64 {
	switch v := c.data[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func (c *Config) GetFloat(key string) float64 {
	switch v := c.data[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func (c *Config) GetFloatWithDefault(key string, def float64) float64 {
	if _, ok := c.data[key]; !ok {
		return def
	}
	return c.GetFloat(key)
}
