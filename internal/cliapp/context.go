// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cliapp

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseContext merges a --context-file JSON document with repeated
// --context key=value overrides, the latter winning on conflict.
func ParseContext(pairs []string, file string) (map[string]interface{}, error) {
	ctx := map[string]interface{}{}
	if file != "" {
		loaded, err := loadContextFile(file)
		if err != nil {
			return nil, err
		}
		ctx = loaded
	}

	for _, arg := range pairs {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --context value %q (expected key=value)", arg)
		}
		ctx[parts[0]] = parts[1]
	}

	return ctx, nil
}

func loadContextFile(path string) (map[string]interface{}, error) {
	var data []byte
	var err error

	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading --context-file from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading --context-file %s: %w", path, err)
		}
	}

	var ctx map[string]interface{}
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("parsing --context-file as JSON: %w", err)
	}
	return ctx, nil
}
