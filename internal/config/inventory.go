package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
)

// ServerProfile is the static identity of one remote host. Profiles are
// values; callers get copies and never mutate the inventory through them.
type ServerProfile struct {
	Name        string   `yaml:"-" json:"name"`
	Host        string   `yaml:"host" json:"host"`
	Port        int      `yaml:"port" json:"port"`
	User        string   `yaml:"user" json:"user"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	DefaultDir  string   `yaml:"default_dir,omitempty" json:"default_dir,omitempty"`

	// Credential references. Secrets themselves never live in the inventory.
	KeyPath       string `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	PassphraseEnv string `yaml:"passphrase_env,omitempty" json:"-"`
	PasswordEnv   string `yaml:"password_env,omitempty" json:"-"`
	UseAgent      bool   `yaml:"use_agent,omitempty" json:"use_agent,omitempty"`
}

// Addr returns host:port.
func (p ServerProfile) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// GroupSeed is a group definition declared in the inventory file. Seeds are
// written to the group store at startup.
type GroupSeed struct {
	Members     []string      `yaml:"members"`
	Strategy    string        `yaml:"strategy,omitempty"`
	Delay       time.Duration `yaml:"delay,omitempty"`
	StopOnError bool          `yaml:"stop_on_error,omitempty"`
}

type inventoryFile struct {
	Servers map[string]ServerProfile `yaml:"servers"`
	Groups  map[string]GroupSeed     `yaml:"groups"`
}

// AllGroup is the synthetic group containing every server.
const AllGroup = "all"

// Inventory holds the loaded server profiles. Reload swaps the whole set at
// once, so readers always see a consistent snapshot.
type Inventory struct {
	mu      sync.RWMutex
	path    string
	servers map[string]ServerProfile
	groups  map[string]GroupSeed
}

// NewInventory builds an inventory from in-memory profiles.
func NewInventory(profiles ...ServerProfile) (*Inventory, error) {
	inv := &Inventory{servers: map[string]ServerProfile{}, groups: map[string]GroupSeed{}}
	file := inventoryFile{Servers: map[string]ServerProfile{}}
	for _, p := range profiles {
		file.Servers[p.Name] = p
	}
	servers, groups, err := normalize(file)
	if err != nil {
		return nil, err
	}
	inv.servers, inv.groups = servers, groups
	return inv, nil
}

// LoadInventory reads a YAML inventory file.
func LoadInventory(path string) (*Inventory, error) {
	inv := &Inventory{path: path}
	if err := inv.Reload(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Reload re-reads the inventory file. A missing file yields an empty
// inventory so the service can start before any server is declared.
func (inv *Inventory) Reload() error {
	var file inventoryFile
	data, err := os.ReadFile(inv.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("read inventory: %w", err)
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse inventory %s: %w", inv.path, err)
		}
	}

	servers, groups, err := normalize(file)
	if err != nil {
		return err
	}

	inv.mu.Lock()
	inv.servers, inv.groups = servers, groups
	inv.mu.Unlock()
	return nil
}

func normalize(file inventoryFile) (map[string]ServerProfile, map[string]GroupSeed, error) {
	var errs ValidationErrors
	servers := make(map[string]ServerProfile, len(file.Servers))
	for name, p := range file.Servers {
		p.Name = name
		if name == "" || name == AllGroup {
			errs.Add("servers."+name, "reserved or empty server name")
			continue
		}
		if p.Host == "" {
			errs.Add("servers."+name+".host", "required")
		}
		if p.Port == 0 {
			p.Port = 22
		}
		if p.Port < 0 || p.Port > 65535 {
			errs.Add("servers."+name+".port", "out of range")
		}
		if p.User == "" {
			p.User = os.Getenv("USER")
		}
		p.KeyPath = expandHome(p.KeyPath)
		p.Tags = append([]string(nil), p.Tags...)
		servers[name] = p
	}

	groups := make(map[string]GroupSeed, len(file.Groups))
	for name, g := range file.Groups {
		if name == AllGroup {
			errs.Add("groups.all", "the all group is computed and cannot be declared")
			continue
		}
		switch g.Strategy {
		case "":
			g.Strategy = "parallel"
		case "parallel", "sequential", "rolling":
		default:
			errs.Add("groups."+name+".strategy", fmt.Sprintf("unknown strategy %q", g.Strategy))
		}
		for _, m := range g.Members {
			if _, ok := servers[m]; !ok {
				errs.Add("groups."+name+".members", fmt.Sprintf("unknown server %q", m))
			}
		}
		g.Members = append([]string(nil), g.Members...)
		groups[name] = g
	}
	if err := errs.Err(); err != nil {
		return nil, nil, err
	}
	return servers, groups, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

// ResolveServer returns the profile for name or a NotFound error.
func (inv *Inventory) ResolveServer(name string) (ServerProfile, error) {
	inv.mu.RLock()
	p, ok := inv.servers[name]
	inv.mu.RUnlock()
	if !ok {
		return ServerProfile{}, fleeterr.Newf(fleeterr.KindNotFound, "resolve", "unknown server %q", name)
	}
	p.Tags = append([]string(nil), p.Tags...)
	return p, nil
}

// Names returns every server name, sorted. It reflects the live inventory at
// call time.
func (inv *Inventory) Names() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	names := make([]string, 0, len(inv.servers))
	for name := range inv.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profiles returns every profile ordered by name.
func (inv *Inventory) Profiles() []ServerProfile {
	names := inv.Names()
	out := make([]ServerProfile, 0, len(names))
	for _, n := range names {
		if p, err := inv.ResolveServer(n); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// GroupSeeds returns the groups declared in the inventory file.
func (inv *Inventory) GroupSeeds() map[string]GroupSeed {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make(map[string]GroupSeed, len(inv.groups))
	for k, v := range inv.groups {
		v.Members = append([]string(nil), v.Members...)
		out[k] = v
	}
	return out
}
