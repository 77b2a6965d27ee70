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

// Package protocol encodes and decodes the Daikin adaptor UDP key/value protocol.
package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultPort is the UDP port units listen on for discovery and queries.
	DefaultPort = 30050

	requestPrefix = "DAIKIN_UDP/"
	statusKey     = "ret"
	statusOK      = "OK"
	macLength     = 12
)

// Group selects the information group a query reads.
type Group string

const (
	GroupBasic     Group = "basic"
	GroupControl   Group = "control"
	GroupSensor    Group = "sensor"
	GroupWeekPower Group = "week_power"
	GroupMonitor   Group = "monitor"
)

var groupPaths = map[Group]string{
	GroupBasic:     "common/basic_info",
	GroupControl:   "aircon/get_control_info",
	GroupSensor:    "aircon/get_sensor_info",
	GroupWeekPower: "aircon/get_week_power",
	GroupMonitor:   "aircon/get_monitordata",
}

// DefaultGroups are read on every refresh unless configured otherwise.
func DefaultGroups() []Group {
	return []Group{GroupBasic, GroupControl, GroupSensor}
}

// ParseGroup returns the Group named name.
func ParseGroup(name string) (Group, error) {
	g := Group(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := groupPaths[g]; !ok {
		return "", fmt.Errorf("%w: %q", errUnknownGroup, name)
	}

	return g, nil
}

// Path returns the request path of the group.
func (g Group) Path() string {
	return groupPaths[g]
}

// DiscoveryReply is a decoded answer to a discovery broadcast.
type DiscoveryReply struct {
	UnitID  string
	Address string
	Name    string
	Fields  map[string]string
}

// QueryReply is the merged field set returned by one or more query exchanges.
type QueryReply struct {
	Fields map[string]string
	// Source is the resolved ip:port the reply came from.
	Source string
}

// UnitID returns the hardware address reported in the reply, if any.
func (r *QueryReply) UnitID() string {
	mac, err := normalizeMAC(r.Fields["mac"])
	if err != nil {
		return ""
	}

	return mac
}

// Name returns the decoded display name reported in the reply, if any.
func (r *QueryReply) Name() string {
	raw, ok := r.Fields["name"]
	if !ok {
		return ""
	}

	name, err := PercentDecode(raw)
	if err != nil {
		return raw
	}

	return name
}

// Merge copies the fields of other into r.
func (r *QueryReply) Merge(other QueryReply) {
	if r.Fields == nil {
		r.Fields = make(map[string]string, len(other.Fields))
	}

	for k, v := range other.Fields {
		r.Fields[k] = v
	}
}

// EncodeDiscoveryRequest returns the payload broadcast to find units.
func EncodeDiscoveryRequest() []byte {
	return EncodeQueryRequest(GroupBasic)
}

// EncodeQueryRequest returns the payload asking a unit for group.
func EncodeQueryRequest(group Group) []byte {
	path, ok := groupPaths[group]
	if !ok {
		path = groupPaths[GroupBasic]
	}

	return []byte(requestPrefix + path)
}

// DecodeDiscoveryReply decodes a discovery reply received from source.
func DecodeDiscoveryReply(payload []byte, source *net.UDPAddr) (DiscoveryReply, error) {
	if source == nil || source.IP == nil {
		return DiscoveryReply{}, fmt.Errorf("%w: missing source address", ErrMalformedPacket)
	}

	fields, err := parseFields(payload)
	if err != nil {
		return DiscoveryReply{}, err
	}

	mac, err := normalizeMAC(fields["mac"])
	if err != nil {
		return DiscoveryReply{}, err
	}

	port := DefaultPort
	if p, err := strconv.Atoi(fields["port"]); err == nil && p > 0 && p <= 65535 {
		port = p
	}

	reply := DiscoveryReply{
		UnitID:  mac,
		Address: net.JoinHostPort(source.IP.String(), strconv.Itoa(port)),
		Fields:  fields,
	}

	if raw, ok := fields["name"]; ok {
		if name, err := PercentDecode(raw); err == nil {
			reply.Name = name
		}
	}

	return reply, nil
}

// DecodeQueryReply decodes the reply to a single query request.
func DecodeQueryReply(payload []byte) (QueryReply, error) {
	fields, err := parseFields(payload)
	if err != nil {
		return QueryReply{}, err
	}

	return QueryReply{Fields: fields}, nil
}

func parseFields(payload []byte) (map[string]string, error) {
	body := strings.TrimRight(string(payload), "\x00\r\n ")
	if body == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPacket)
	}

	pairs := strings.Split(body, ",")
	fields := make(map[string]string, len(pairs))

	for i, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: invalid pair %q", ErrMalformedPacket, pair)
		}

		if !utf8.ValidString(key) {
			return nil, fmt.Errorf("%w: key %q is not valid UTF-8", ErrMalformedPacket, key)
		}

		if i == 0 && key != statusKey {
			return nil, fmt.Errorf("%w: missing %s marker", ErrMalformedPacket, statusKey)
		}

		fields[key] = value
	}

	if status := fields[statusKey]; status != statusOK {
		return nil, fmt.Errorf("%w: unit returned %s=%s", ErrMalformedPacket, statusKey, status)
	}

	return fields, nil
}

func normalizeMAC(raw string) (string, error) {
	mac := strings.ToUpper(strings.ReplaceAll(raw, ":", ""))
	if len(mac) != macLength {
		return "", fmt.Errorf("%w: invalid mac %q", ErrMalformedPacket, raw)
	}

	for _, c := range mac {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", fmt.Errorf("%w: invalid mac %q", ErrMalformedPacket, raw)
		}
	}

	return mac, nil
}
