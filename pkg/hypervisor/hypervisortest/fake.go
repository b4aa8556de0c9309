/*
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
 *
 * Copyright the virt-backup contributors.
 *
 */

// Package hypervisortest provides a hand-written in-memory fake of
// pkg/hypervisor's Connection/Domain interfaces, standing in for
// go.uber.org/mock-generated mocks: the interface surface here is a
// handful of methods, narrow enough that a generator buys nothing (see
// DESIGN.md).
package hypervisortest

import (
	"context"
	"encoding/xml"
	"os"
	"strings"
	"sync"

	"github.com/virtbackup/virtbackup/pkg/domainxml"
	"github.com/virtbackup/virtbackup/pkg/hypervisor"
)

// FakeDomain is an in-memory stand-in for a libvirt domain.
type FakeDomain struct {
	mu sync.Mutex

	NameVal   string
	IDVal     int
	Active    bool
	DomainXML string

	Snapshots     []string // snapshot XML documents passed to SnapshotCreateXML
	SnapshotErr   error
	DefineErr     error
	UpdateErr     error
	BlockCommits  []BlockCommitCall
	BlockCommitErr error
	AbortedDisks  []string
}

type BlockCommitCall struct {
	Dev, Base, Top string
	Bandwidth      uint64
	Flags          hypervisor.BlockCommitFlag
}

func (f *FakeDomain) Name() (string, error) { return f.NameVal, nil }
func (f *FakeDomain) ID() (int, error)      { return f.IDVal, nil }
func (f *FakeDomain) IsActive() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Active, nil
}

func (f *FakeDomain) XMLDesc() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DomainXML, nil
}

func (f *FakeDomain) DefineXML(domainXML string) error {
	if f.DefineErr != nil {
		return f.DefineErr
	}
	f.mu.Lock()
	f.DomainXML = domainXML
	f.mu.Unlock()
	return nil
}

func (f *FakeDomain) UpdateDeviceFlags(deviceXML string) error {
	return f.UpdateErr
}

// snapshotDocXML is a minimal mirror of pkg/snapshot's outbound request
// document, just enough to let the fake materialize overlay files the way
// libvirt itself would when handed an external, disk-only snapshot request.
type snapshotDocXML struct {
	Disks []struct {
		Name     string `xml:"name,attr"`
		Snapshot string `xml:"snapshot,attr"`
		Source   *struct {
			File string `xml:"file,attr"`
		} `xml:"source"`
	} `xml:"disks>disk"`
}

func (f *FakeDomain) SnapshotCreateXML(snapshotXML string, flags hypervisor.SnapshotFlag) error {
	f.mu.Lock()
	if f.SnapshotErr != nil {
		f.mu.Unlock()
		return f.SnapshotErr
	}
	f.Snapshots = append(f.Snapshots, snapshotXML)
	domainXML := f.DomainXML
	f.mu.Unlock()

	// Materialize each external disk's overlay file as a copy of its
	// current backing file, the way qcow2's read-through-to-backing-file
	// semantics would present an unwritten overlay.
	var doc snapshotDocXML
	if err := xml.Unmarshal([]byte(snapshotXML), &doc); err != nil {
		return nil
	}
	disks, err := domainxml.DisksOf(domainXML)
	if err != nil {
		return nil
	}
	for _, d := range doc.Disks {
		if d.Snapshot != "external" || d.Source == nil {
			continue
		}
		disk, ok := disks[d.Name]
		if !ok {
			continue
		}
		data, err := os.ReadFile(disk.SourcePath)
		if err != nil {
			continue
		}
		_ = os.WriteFile(d.Source.File, data, 0o644)
	}
	return nil
}

func (f *FakeDomain) BlockCommit(dev, base, top string, bandwidth uint64, flags hypervisor.BlockCommitFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BlockCommitErr != nil {
		return f.BlockCommitErr
	}
	f.BlockCommits = append(f.BlockCommits, BlockCommitCall{dev, base, top, bandwidth, flags})
	return nil
}

func (f *FakeDomain) BlockJobAbortPivot(dev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AbortedDisks = append(f.AbortedDisks, dev)
	return nil
}

// FakeConnection is an in-memory stand-in for a libvirt connection.
type FakeConnection struct {
	mu sync.Mutex

	Domains    map[string]*FakeDomain
	Version    uint64
	callbacks  map[string]hypervisor.BlockJobCallback
	nextID     int
}

func NewFakeConnection() *FakeConnection {
	return &FakeConnection{
		Domains:   map[string]*FakeDomain{},
		Version:   hypervisor.UpdateDeviceFlagsThreshold,
		callbacks: map[string]hypervisor.BlockJobCallback{},
	}
}

func (c *FakeConnection) LookupDomainByName(name string) (hypervisor.Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, ok := c.Domains[name]
	if !ok {
		return nil, &notFoundError{name}
	}
	return dom, nil
}

type notFoundError struct{ name string }

func (e *notFoundError) Error() string { return "domain not found: " + e.name }

func (c *FakeConnection) LibVersion() (uint64, error) { return c.Version, nil }

// DefineXML defines or redefines a domain under the name embedded in
// domainXML's <name> element.
func (c *FakeConnection) DefineXML(domainXML string) (hypervisor.Domain, error) {
	name := extractDomainName(domainXML)
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, ok := c.Domains[name]
	if !ok {
		dom = &FakeDomain{NameVal: name}
		c.Domains[name] = dom
	}
	dom.mu.Lock()
	dom.DomainXML = domainXML
	dom.mu.Unlock()
	return dom, nil
}

func extractDomainName(domainXML string) string {
	start := strings.Index(domainXML, "<name>")
	end := strings.Index(domainXML, "</name>")
	if start < 0 || end < 0 || end <= start+len("<name>") {
		return "unknown"
	}
	return domainXML[start+len("<name>") : end]
}

func (c *FakeConnection) RegisterBlockJobCallback(overlayPath string, cb hypervisor.BlockJobCallback) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.callbacks[overlayPath] = cb
	return c.nextID, nil
}

func (c *FakeConnection) Deregister(id int) error {
	// The fake keeps callbacks keyed by overlay path only, so Deregister by
	// id is a no-op; a callback stays registered until a test calls
	// DeregisterPath.
	return nil
}

func (c *FakeConnection) DeregisterPath(overlayPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, overlayPath)
}

func (c *FakeConnection) RunEventLoop(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Emit delivers a synthetic event to the callback registered for overlayPath,
// if any, simulating the hypervisor's asynchronous event delivery.
func (c *FakeConnection) Emit(overlayPath string, status hypervisor.BlockJobStatus) bool {
	c.mu.Lock()
	cb, ok := c.callbacks[overlayPath]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cb(hypervisor.BlockJobEvent{OverlayPath: overlayPath, Status: status})
	return true
}
