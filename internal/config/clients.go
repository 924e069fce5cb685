package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
)

// clientParser turns the contents of another MCP client's config file into
// stdio server definitions. cwd selects project-scoped entries.
type clientParser func(data []byte, cwd string) (map[string]ServerConfig, error)

// parserFor picks the parser by file extension: TOML files use the
// mcp_servers table layout, everything else is an mcpServers JSON document.
func parserFor(path string) clientParser {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return parseMCPServersTOML
	}
	return parseMCPServersJSON
}

// MergeFallbackServers imports servers from other MCP clients' config files
// when cfg declares none. Read errors are returned after every readable
// source has been merged.
func MergeFallbackServers(cfg *Config) error {
	return MergeFallbackServersForCWD(cfg, "")
}

// MergeFallbackServersForCWD is MergeFallbackServers with project-scoped
// sources resolved against cwd instead of the process working directory.
func MergeFallbackServersForCWD(cfg *Config, cwd string) error {
	if cfg == nil || len(cfg.Servers) > 0 {
		return nil
	}
	imported, err := ImportClientServers(clientSources(cfg, cwd), cwd)
	if len(imported) > 0 {
		if cfg.Servers == nil {
			cfg.Servers = make(map[string]ServerConfig, len(imported))
		}
		maps.Copy(cfg.Servers, imported)
	}
	return err
}

// ImportClientServers reads paths in order. The first source to define a
// name wins; missing files are skipped.
func ImportClientServers(paths []string, cwd string) (map[string]ServerConfig, error) {
	out := make(map[string]ServerConfig)
	var errs []error
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		found, err := parserFor(path)(data, cwd)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		for name, srv := range found {
			if _, taken := out[name]; !taken {
				out[name] = srv
			}
		}
	}
	return out, errors.Join(errs...)
}

type jsonClientDoc struct {
	MCPServers map[string]jsonClientServer `json:"mcpServers"`
	Projects   map[string]struct {
		MCPServers map[string]jsonClientServer `json:"mcpServers"`
	} `json:"projects"`
}

// jsonClientServer entries without a command are remote servers and are
// ignored.
type jsonClientServer struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Description string            `json:"description"`
	Disabled    bool              `json:"disabled"`
}

func parseMCPServersJSON(data []byte, cwd string) (map[string]ServerConfig, error) {
	var doc jsonClientDoc
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("parsing mcpServers JSON: %w", err)
	}

	projects := make(map[string]map[string]jsonClientServer, len(doc.Projects))
	for dir, p := range doc.Projects {
		projects[dir] = p.MCPServers
	}

	out := make(map[string]ServerConfig, len(doc.MCPServers))
	// Project entries shadow the global ones.
	for _, group := range []map[string]jsonClientServer{closestProject(projects, cwd), doc.MCPServers} {
		for name, e := range group {
			if _, taken := out[name]; taken || e.Disabled || e.Command == "" {
				continue
			}
			out[name] = expandServerEnvVars(ServerConfig{
				Command:     e.Command,
				Args:        e.Args,
				Env:         e.Env,
				Description: e.Description,
			})
		}
	}
	return out, nil
}

type tomlClientDoc struct {
	MCPServers map[string]struct {
		Command string            `toml:"command"`
		Args    []string          `toml:"args"`
		Env     map[string]string `toml:"env"`
		EnvVars []string          `toml:"env_vars"`
		Enabled *bool             `toml:"enabled"`
	} `toml:"mcp_servers"`
}

func parseMCPServersTOML(data []byte, _ string) (map[string]ServerConfig, error) {
	var doc tomlClientDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing mcp_servers TOML: %w", err)
	}

	out := make(map[string]ServerConfig, len(doc.MCPServers))
	for name, e := range doc.MCPServers {
		if e.Command == "" || (e.Enabled != nil && !*e.Enabled) {
			continue
		}
		env := maps.Clone(e.Env)
		// env_vars forwards variables from the importing process.
		for _, key := range e.EnvVars {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			val, ok := os.LookupEnv(key)
			if !ok {
				continue
			}
			if env == nil {
				env = make(map[string]string)
			}
			if _, set := env[key]; !set {
				env[key] = val
			}
		}
		out[name] = expandServerEnvVars(ServerConfig{Command: e.Command, Args: e.Args, Env: env})
	}
	return out, nil
}

// closestProject returns the servers of the deepest project directory that
// contains cwd, comparing both literal and symlink-resolved paths.
func closestProject(projects map[string]map[string]jsonClientServer, cwd string) map[string]jsonClientServer {
	if len(projects) == 0 {
		return nil
	}
	wd := workingDir(cwd)
	if wd == "" {
		return nil
	}
	here := pathVariants(wd)

	var (
		best    map[string]jsonClientServer
		bestLen = -1
	)
	for dir, servers := range projects {
		if len(servers) == 0 {
			continue
		}
		for _, root := range pathVariants(dir) {
			if len(root) <= bestLen {
				continue
			}
			for _, p := range here {
				if pathContains(root, p) {
					best, bestLen = servers, len(root)
					break
				}
			}
		}
	}
	return best
}

func pathVariants(path string) []string {
	clean := filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(clean); err == nil && resolved != clean {
		return []string{clean, resolved}
	}
	return []string{clean}
}

func pathContains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// findUpward returns the first regular file named rel in cwd or one of its
// parents, or "".
func findUpward(rel, cwd string) string {
	dir := workingDir(cwd)
	for dir != "" {
		candidate := filepath.Join(dir, rel)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func workingDir(cwd string) string {
	if cwd = strings.TrimSpace(cwd); cwd != "" {
		return filepath.Clean(cwd)
	}
	if wd, err := os.Getwd(); err == nil {
		return filepath.Clean(wd)
	}
	return ""
}

// clientSources lists the files MergeFallbackServers reads. A non-nil
// FallbackSources replaces the defaults.
func clientSources(cfg *Config, cwd string) []string {
	if cfg != nil && cfg.FallbackSources != nil {
		return uniquePaths(cfg.FallbackSources)
	}
	return uniquePaths(defaultClientSources(cwd))
}

func defaultClientSources(cwd string) []string {
	home, _ := os.UserHomeDir()
	if home == "" {
		return nil
	}

	var appSupport string
	switch runtime.GOOS {
	case "darwin":
		appSupport = filepath.Join(home, "Library", "Application Support")
	case "linux":
		appSupport = filepath.Join(home, ".config")
	default:
		return nil
	}
	return []string{
		filepath.Join(home, ".cursor", "mcp.json"),
		filepath.Join(appSupport, "Claude", "claude_desktop_config.json"),
		filepath.Join(appSupport, "Code", "User", "globalStorage", "saoudrizwan.claude-dev", "settings", "cline_mcp_settings.json"),
		filepath.Join(home, ".claude.json"),
		filepath.Join(home, ".codex", "config.toml"),
		findUpward(".mcp.json", cwd),
		filepath.Join(home, ".kiro", "settings", "mcp.json"),
		findUpward(filepath.Join(".kiro", "settings", "mcp.json"), cwd),
	}
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
