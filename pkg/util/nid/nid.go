// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package nid parses and canonicalizes network identifiers of the form
// `<host>[:<port>]@<net>`, e.g. `10.0.0.1@tcp`, `[fe80::1]:1988@tcp1` or
// `0@lo`.
package nid

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultPort is assumed for NIDs that don't specify one, except on the
// loopback network which has no ports.
const DefaultPort = 988

const LoopbackNet = "lo"

var (
	hostRegex = regexp.MustCompile(`^([a-zA-Z0-9.\[\]:%-]+)$`)
	netRegex  = regexp.MustCompile(`^[a-z]+[0-9]*$`)
)

type NID struct {
	host string // either a hostname or an IP address
	port uint16
	net  string // LND name plus optional network number
}

func ParseStricter(s string) (NID, error) {
	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf("bad NID '%s': "+format,
			append([]interface{}{s}, args...)...)
	}
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return NID{}, mkErr("missing '@<net>'")
	}
	addr, netName := s[:at], s[at+1:]
	if !netRegex.MatchString(netName) {
		return NID{}, mkErr("invalid net '%s'", netName)
	}

	host := addr
	port := uint16(DefaultPort)
	if strings.HasPrefix(addr, "[") && strings.HasSuffix(addr, "]") {
		host = addr[1 : len(addr)-1]
	} else if strings.HasPrefix(addr, "[") || strings.Count(addr, ":") == 1 {
		h, p, err := net.SplitHostPort(addr)
		if err != nil {
			if addrErr, ok := err.(*net.AddrError); ok {
				return NID{}, mkErr("%s", addrErr.Err)
			}
			return NID{}, mkErr("%s", err)
		}
		portNum, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return NID{}, mkErr("invalid port number '%s'", p)
		}
		host, port = h, uint16(portNum)
	}
	if host == "" {
		return NID{}, mkErr("invalid empty host")
	}
	if !hostRegex.MatchString(host) {
		return NID{}, mkErr("invalid host '%s'", host)
	}
	if netName == LoopbackNet {
		port = 0
	}
	return NID{host: host, port: port, net: netName}, nil
}

// Parse is like ParseStricter(), but it disregards spaces around the NID.
func Parse(s string) (NID, error) {
	return ParseStricter(strings.TrimSpace(s))
}

// MustParse is Parse() that panics on malformed input. useful primarily for
// tests and global "consts" inits.
func MustParse(s string) NID {
	n, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("nid: Parse(%s): %s", s, err.Error()))
	}
	return n
}

func (n NID) Host() string {
	return n.host
}

func (n NID) Port() uint16 {
	return n.port
}

// Net returns the full network name, e.g. "tcp1".
func (n NID) Net() string {
	return n.net
}

// LND returns the name of the network driver serving the NID's network,
// i.e. the net name without its number.
func (n NID) LND() string {
	return strings.TrimRight(n.net, "0123456789")
}

// Addr returns the `host:port` transport address of the NID.
func (n NID) Addr() string {
	return net.JoinHostPort(n.host, strconv.FormatUint(uint64(n.port), 10))
}

func (n NID) IsValid() bool {
	return n != NID{}
}

func (n NID) String() string {
	if !n.IsValid() {
		return "<EMPTY>"
	}
	if n.port == DefaultPort || n.net == LoopbackNet {
		if strings.Contains(n.host, ":") {
			return "[" + n.host + "]@" + n.net
		}
		return n.host + "@" + n.net
	}
	return n.Addr() + "@" + n.net
}

// Slice is the set of NIDs a single peer is reachable by.
type Slice []NID

func (nids Slice) String() string {
	s := make([]string, len(nids))
	for i, n := range nids {
		s[i] = n.String()
	}
	return strings.Join(s, ",")
}

func (nids Slice) Equal(rhs Slice) bool {
	if len(nids) != len(rhs) {
		return false
	}
	for i, n := range nids {
		if n != rhs[i] {
			return false
		}
	}
	return true
}

func (nids Slice) IsValid() bool {
	for _, n := range nids {
		if !n.IsValid() {
			return false
		}
	}
	return len(nids) >= 1
}

func (nids Slice) Clone() Slice {
	res := make([]NID, len(nids))
	copy(res, nids)
	return res
}

// for sort.Interface:
func (nids Slice) Len() int           { return len(nids) }
func (nids Slice) Swap(i, j int)      { nids[i], nids[j] = nids[j], nids[i] }
func (nids Slice) Less(i, j int) bool { return nids[i].String() < nids[j].String() }

func canonicalize(nids []string, parser func(string) (NID, error)) (Slice, error) {
	if len(nids) == 0 {
		return nil, nil
	}

	uniq := make(map[NID]bool)
	for _, s := range nids {
		n, err := parser(s)
		if err != nil {
			return nil, err
		}
		uniq[n] = true
	}

	res := make([]NID, 0, len(uniq))
	for k := range uniq {
		res = append(res, k)
	}
	sort.Sort(Slice(res))
	return res, nil
}

func ParseSlice(nids []string) (Slice, error) {
	return canonicalize(nids, Parse)
}

// ParseCSV parses a comma-separated list of NIDs of one peer, validates
// them syntactically and returns them deduplicated and sorted. it does NOT
// attempt to resolve names nor to connect anywhere.
func ParseCSV(nids string) (Slice, error) {
	return canonicalize(strings.Split(nids, ","), ParseStricter)
}

func MustParseCSV(nids string) Slice {
	res, err := ParseCSV(nids)
	if err != nil {
		panic(fmt.Sprintf("nid: ParseCSV(%s): %s", nids, err.Error()))
	}
	return res
}
