// Package repoconfig reads per-repository overrides of the issue-source
// settings from files committed at the repository root.
package repoconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/selfheal/internal/codehost"
	"github.com/fyrsmithlabs/selfheal/internal/config"
)

const (
	// FileName is the primary override file.
	FileName = ".selfheal.yaml"
	// SentryCLIRC is the sentry-cli configuration file, read as a fallback.
	SentryCLIRC = ".sentryclirc"

	maxFileSize = 64 * 1024
)

// ErrTooLarge is returned for override files over 64KiB.
var ErrTooLarge = errors.New("repoconfig: file too large")

// Override replaces tenant issue-source settings for one repository. Empty
// fields leave the tenant's value in place.
type Override struct {
	Org      string
	Token    config.Secret
	URL      string
	Projects []string
	// Sources lists the files the override was read from.
	Sources []string
}

// Empty reports whether the override changes nothing.
func (o *Override) Empty() bool {
	return o == nil || (o.Org == "" && !o.Token.IsSet() && o.URL == "" && len(o.Projects) == 0)
}

// Endpoint returns the API root for URL. Installation URLs such as
// https://sentry.example.com/ gain the /api/0 suffix.
func (o *Override) Endpoint() string {
	if o == nil || o.URL == "" {
		return ""
	}
	u := strings.TrimRight(o.URL, "/")
	if strings.Contains(u, "/api/") {
		return u
	}
	return u + "/api/0"
}

type yamlFile struct {
	Sentry struct {
		Org      string   `koanf:"org"`
		Token    string   `koanf:"token"`
		URL      string   `koanf:"url"`
		Projects []string `koanf:"projects"`
	} `koanf:"sentry"`
}

// ParseYAML parses a .selfheal.yaml file.
func ParseYAML(data []byte) (*Override, error) {
	if len(data) > maxFileSize {
		return nil, ErrTooLarge
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	var f yamlFile
	if err := k.Unmarshal("", &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", FileName, err)
	}

	o := &Override{
		Org:   strings.ToLower(strings.TrimSpace(f.Sentry.Org)),
		Token: config.Secret(strings.TrimSpace(f.Sentry.Token)),
		URL:   strings.TrimSpace(f.Sentry.URL),
	}
	for _, p := range f.Sentry.Projects {
		if p = strings.TrimSpace(p); p != "" {
			o.Projects = append(o.Projects, p)
		}
	}
	return o, nil
}

// ParseSentryCLIRC parses the INI-style sentry-cli file. Only org and url
// under [defaults] and token under [auth] are read.
func ParseSentryCLIRC(data []byte) (*Override, error) {
	if len(data) > maxFileSize {
		return nil, ErrTooLarge
	}
	o := &Override{}
	section := ""
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("parse %s: line %d: unterminated section", SentryCLIRC, n+1)
			}
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("parse %s: line %d: expected key = value", SentryCLIRC, n+1)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		switch section + "." + key {
		case "defaults.org":
			o.Org = strings.ToLower(value)
		case "defaults.url":
			o.URL = value
		case "auth.token":
			o.Token = config.Secret(value)
		}
	}
	return o, nil
}

// Load reads the override files of repo at ref. Values from .selfheal.yaml
// take precedence over .sentryclirc. It returns nil when neither file
// exists.
func Load(ctx context.Context, host codehost.Host, repo codehost.Repo, ref string) (*Override, error) {
	var out *Override
	for _, f := range []struct {
		name  string
		parse func([]byte) (*Override, error)
	}{
		{FileName, ParseYAML},
		{SentryCLIRC, ParseSentryCLIRC},
	} {
		content, err := host.FetchFile(ctx, repo, ref, f.name)
		if errors.Is(err, codehost.ErrNotFound) || errors.Is(err, codehost.ErrNotAFile) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", f.name, err)
		}
		o, err := f.parse([]byte(content))
		if err != nil {
			return nil, err
		}
		o.Sources = []string{f.name}
		out = merge(out, o)
	}
	return out, nil
}

// merge fills the empty fields of base from next.
func merge(base, next *Override) *Override {
	if base == nil {
		return next
	}
	if base.Org == "" {
		base.Org = next.Org
	}
	if !base.Token.IsSet() {
		base.Token = next.Token
	}
	if base.URL == "" {
		base.URL = next.URL
	}
	if len(base.Projects) == 0 {
		base.Projects = next.Projects
	}
	base.Sources = append(base.Sources, next.Sources...)
	return base
}
