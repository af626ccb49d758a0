// Package topology describes the machine's CPUs and NUMA nodes as
// reported by sysfs, and pins threads to CPUs.
package topology

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// CPU is one online logical CPU.
type CPU struct {
	ID      int
	Node    int
	Core    int
	Package int
}

// Topology is a snapshot of the online CPUs.
type Topology struct {
	CPUs  []CPU
	Nodes []int
}

var loadOnce = sync.OnceValues(func() (*Topology, error) {
	return LoadFS(os.DirFS("/sys"))
})

// Load reads the topology of this machine. It is read once per process;
// later calls return the same snapshot.
func Load() (*Topology, error) {
	return loadOnce()
}

// LoadFS reads a topology from fsys, which is laid out like /sys.
func LoadFS(fsys fs.FS) (*Topology, error) {
	online, err := readList(fsys, "devices/system/cpu/online")
	if err != nil {
		return nil, err
	}

	t := &Topology{}
	nodeOf := make(map[int]int, len(online))

	nodes, err := readList(fsys, "devices/system/node/online")
	switch {
	case errors.Is(err, fs.ErrNotExist):
		nodes = []int{0}
	case err != nil:
		return nil, err
	default:
		for _, n := range nodes {
			cpus, err := readList(fsys, fmt.Sprintf("devices/system/node/node%d/cpulist", n))
			if err != nil {
				return nil, err
			}
			for _, c := range cpus {
				nodeOf[c] = n
			}
		}
	}
	t.Nodes = nodes

	for _, id := range online {
		dir := fmt.Sprintf("devices/system/cpu/cpu%d/topology", id)
		t.CPUs = append(t.CPUs, CPU{
			ID:      id,
			Node:    nodeOf[id],
			Core:    readInt(fsys, path.Join(dir, "core_id"), id),
			Package: readInt(fsys, path.Join(dir, "physical_package_id"), 0),
		})
	}

	return t, nil
}

// Online returns the ids of every online CPU in ascending order.
func (t *Topology) Online() []int {
	ids := make([]int, len(t.CPUs))
	for i, c := range t.CPUs {
		ids[i] = c.ID
	}
	return ids
}

// NodeCPUs returns the online CPUs of NUMA node n.
func (t *Topology) NodeCPUs(n int) []int {
	var ids []int
	for _, c := range t.CPUs {
		if c.Node == n {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// NodeOf returns the NUMA node of cpu, or -1 when cpu is not online.
func (t *Topology) NodeOf(cpu int) int {
	i := slices.IndexFunc(t.CPUs, func(c CPU) bool { return c.ID == cpu })
	if i < 0 {
		return -1
	}
	return t.CPUs[i].Node
}

// Pin binds the calling thread to cpu. The caller must have locked its
// goroutine to the thread.
func Pin(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("topology: pin to cpu %d: %w", cpu, err)
	}
	return nil
}

func readList(fsys fs.FS, name string) ([]int, error) {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	ids, err := ParseCPUList(string(b))
	if err != nil {
		return nil, fmt.Errorf("topology: %s: %w", name, err)
	}
	return ids, nil
}

func readInt(fsys fs.FS, name string, def int) int {
	b, err := fs.ReadFile(fsys, name)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return def
	}
	return n
}

// ParseCPUList parses the kernel's cpulist format, such as "0-3,8,10-11",
// into sorted, unique ids.
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var ids []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bad cpu %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("bad cpu range %q", part)
			}
		}
		if first < 0 || last < first {
			return nil, fmt.Errorf("bad cpu range %q", part)
		}
		for id := first; id <= last; id++ {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)
	return slices.Compact(ids), nil
}
