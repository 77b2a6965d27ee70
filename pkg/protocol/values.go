/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package protocol

import (
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"unicode/utf8"

	"github.com/carverauto/hvacradar/pkg/models"
)

// monitor fields carry ASCII digits as hex pairs ("3235" is "25").
var hexEncodedFields = map[string]struct{}{
	"fan":     {},
	"rawrtmp": {},
	"trtmp":   {},
	"fangl":   {},
	"hetmp":   {},
}

// identifiers that may look numeric but are never measurements.
var textFields = map[string]struct{}{
	"mac":  {},
	"ver":  {},
	"rev":  {},
	"id":   {},
	"ssid": {},
	"type": {},
	"reg":  {},
}

// fan rate letters for automatic and silent modes.
var fanRateLetters = map[string]float64{
	"A": 1,
	"B": 2,
}

// Values converts every field of the reply except the status marker.
func (r *QueryReply) Values() map[string]models.MetricValue {
	values := make(map[string]models.MetricValue, len(r.Fields))

	for k, v := range r.Fields {
		if k == statusKey {
			continue
		}

		values[k] = ConvertValue(k, v)
	}

	return values
}

// ConvertValue normalises a raw field into a MetricValue.
func ConvertValue(key, raw string) models.MetricValue {
	if key == "name" {
		if decoded, err := PercentDecode(raw); err == nil {
			return models.TextValue(decoded)
		}

		return models.TextValue(raw)
	}

	if _, ok := textFields[key]; ok {
		return models.TextValue(raw)
	}

	if key == "f_rate" {
		if v, ok := fanRateLetters[raw]; ok {
			return models.NumberValue(v)
		}
	}

	if _, ok := hexEncodedFields[key]; ok {
		if decoded, err := HexDecode(raw); err == nil {
			raw = decoded
		}
	}

	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return models.NumberValue(f)
	}

	return models.TextValue(raw)
}

// PercentDecode decodes "%4c%6f" style strings.
func PercentDecode(encoded string) (string, error) {
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	if !utf8.ValidString(decoded) {
		return "", fmt.Errorf("%w: name is not valid utf-8", ErrMalformedPacket)
	}

	return decoded, nil
}

// HexDecode decodes "4142" style strings.
func HexDecode(encoded string) (string, error) {
	decoded, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("%w: value is not valid utf-8", ErrMalformedPacket)
	}

	return string(decoded), nil
}
