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

package discovery

import (
	"fmt"
	"net"
	"strconv"
)

// resolveTargets turns configured hosts into UDP addresses, defaulting to port.
func resolveTargets(hosts []string, port int) ([]*net.UDPAddr, error) {
	targets := make([]*net.UDPAddr, 0, len(hosts))

	for _, host := range hosts {
		hostPort := host
		if _, _, err := net.SplitHostPort(host); err != nil {
			hostPort = net.JoinHostPort(host, strconv.Itoa(port))
		}

		addr, err := net.ResolveUDPAddr("udp4", hostPort)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve discovery target %q: %w", host, err)
		}

		targets = append(targets, addr)
	}

	return targets, nil
}

// interfaceBroadcasts returns the broadcast address of every up,
// broadcast-capable IPv4 interface.
func interfaceBroadcasts(port int) ([]*net.UDPAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	seen := make(map[string]struct{})

	var targets []*net.UDPAddr

	for i := range ifaces {
		iface := &ifaces[i]

		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", iface.Name, err)
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			bcast := broadcastAddress(ipnet)
			if bcast == nil {
				continue
			}

			if _, dup := seen[bcast.String()]; dup {
				continue
			}

			seen[bcast.String()] = struct{}{}
			targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
		}
	}

	if len(targets) == 0 {
		return nil, errNoTargets
	}

	return targets, nil
}

// broadcastAddress returns the directed broadcast address of an IPv4 network,
// or nil for IPv6 and host routes.
func broadcastAddress(ipnet *net.IPNet) net.IP {
	ip := ipnet.IP.To4()
	if ip == nil || len(ipnet.Mask) != net.IPv4len {
		return nil
	}

	if ones, _ := ipnet.Mask.Size(); ones >= 31 {
		return nil
	}

	bcast := make(net.IP, net.IPv4len)
	for i := range ip {
		bcast[i] = ip[i] | ^ipnet.Mask[i]
	}

	return bcast
}
