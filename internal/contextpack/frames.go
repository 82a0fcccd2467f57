package contextpack

import (
	"path"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/issues"
)

// libraryMarkers identify frames from interpreters, runtimes and
// third-party packages.
var libraryMarkers = []string{
	"site-packages",
	"dist-packages",
	"/usr/lib/python",
	"<frozen",
	"<string>",
	"importlib",
	"asyncio/",
	"concurrent/",
	"threading",
	"multiprocessing",
	"/usr/local/go/",
	"/go/pkg/mod/",
	"node_modules/",
	"internal/process/",
}

// deploymentPrefixes are stripped from absolute paths before matching
// against the repository.
var deploymentPrefixes = []string{
	"/usr/src/app/",
	"/var/www/",
	"/var/task/",
	"/app/",
	"/srv/",
	"/workspace/",
	"/var/",
	"/opt/",
	"/code/",
}

// projectPrefixes are top-level directories commonly found at a repository root.
var projectPrefixes = []string{"src/", "app/", "lib/", "internal/", "pkg/", "cmd/"}

func isLibraryFrame(f issues.StackFrame) bool {
	p := strings.ReplaceAll(f.Path()+" "+f.AbsPath, `\`, "/")
	for _, m := range libraryMarkers {
		if strings.Contains(p, m) {
			return true
		}
	}
	return false
}

// SelectFrames returns application frames, most recent first, de-duplicated
// by path and line and capped at max. frames are in the issue source's
// order, oldest first.
func SelectFrames(frames []issues.StackFrame, max int) []issues.StackFrame {
	var candidates []issues.StackFrame
	anyInApp := false
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.Path() == "" || f.LineNo <= 0 || isLibraryFrame(f) {
			continue
		}
		anyInApp = anyInApp || f.InApp
		candidates = append(candidates, f)
	}

	type key struct {
		path string
		line int
	}
	seen := make(map[key]bool)
	var out []issues.StackFrame
	for _, f := range candidates {
		if anyInApp && !f.InApp {
			continue
		}
		k := key{f.Path(), f.LineNo}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// CandidatePaths maps a frame path to repository-relative paths to try, most
// likely first. Paths that escape their root yield no candidates.
func CandidatePaths(raw string) []string {
	p := strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/")
	p = strings.TrimPrefix(p, "file://")
	if len(p) > 2 && p[1] == ':' && p[2] == '/' {
		p = p[2:]
	}
	if p == "" {
		return nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return nil
		}
	}

	var out []string
	add := func(c string) {
		c = strings.TrimLeft(path.Clean("/"+c), "/")
		if c == "" || c == "." {
			return
		}
		for _, existing := range out {
			if existing == c {
				return
			}
		}
		out = append(out, c)
	}

	rooted := strings.HasPrefix(p, "/")
	if rooted {
		p = stripDeploymentPrefix(p)
	}
	// The deepest-known layout wins: a project directory below the root.
	if rooted {
		if i := firstProjectPrefix(p); i > 0 {
			add(p[i:])
		}
	}
	add(p)
	if !rooted {
		if i := firstProjectPrefix(p); i > 0 {
			add(p[i:])
		}
	}
	return out
}

func stripDeploymentPrefix(p string) string {
	if strings.HasPrefix(p, "/home/") {
		rest := p[len("/home/"):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i+1:]
		}
	}
	for _, prefix := range deploymentPrefixes {
		if strings.HasPrefix(p, prefix) {
			return p[len(prefix):]
		}
	}
	return strings.TrimLeft(p, "/")
}

// firstProjectPrefix returns the byte offset of the first path segment that
// starts a known project directory, or -1.
func firstProjectPrefix(p string) int {
	best := -1
	for _, prefix := range projectPrefixes {
		var i int
		switch {
		case strings.HasPrefix(p, prefix):
			i = 0
		default:
			j := strings.Index(p, "/"+prefix)
			if j < 0 {
				continue
			}
			i = j + 1
		}
		if best < 0 || i < best {
			best = i
		}
	}
	return best
}
