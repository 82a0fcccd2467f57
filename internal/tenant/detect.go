package tenant

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/selfheal/internal/issues"
)

// remotePatterns match scp-style and URL-style remotes on any host.
var remotePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[\w.-]+@[\w.-]+:([^/]+)/([^/]+?)(?:\.git)?/?$`),
	regexp.MustCompile(`^(?:https?|ssh|git)://(?:[^@/]+@)?[^/]+/([^/]+)/([^/]+?)(?:\.git)?/?$`),
}

// DetectRepository infers owner/name from the origin remote of the git
// checkout at dir.
func DetectRepository(dir string) (issues.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return issues.Repository{}, fmt.Errorf("open git repository: %w", err)
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return issues.Repository{}, fmt.Errorf("origin remote: %w", err)
	}

	urls := remote.Config().URLs
	if len(urls) == 0 {
		return issues.Repository{}, fmt.Errorf("origin remote has no URL")
	}

	r, ok := ParseRemoteURL(urls[0])
	if !ok {
		return issues.Repository{}, fmt.Errorf("%w: cannot parse remote %q", ErrInvalidRepository, urls[0])
	}
	return r, nil
}

// ParseRemoteURL extracts owner and name from a git remote URL.
// Supports git@host:owner/repo.git and https://host/owner/repo.git.
func ParseRemoteURL(url string) (issues.Repository, bool) {
	url = strings.TrimSpace(url)
	for _, re := range remotePatterns {
		if m := re.FindStringSubmatch(url); m != nil {
			return issues.Repository{Owner: m[1], Name: m[2]}, true
		}
	}
	return issues.Repository{}, false
}
