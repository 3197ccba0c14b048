// Package registry implements the puppet-identity and bot-command
// registries: name and schema validation, color normalization, ownership
// rules, and the orchestrating service on top of the database store.
package registry

import (
	"net/url"
	"regexp"
	"unicode/utf8"

	"github.com/masquerade-chat/masquerade/internal/database"
)

// MaxPuppetNameLength is the maximum length of a puppet display name.
const MaxPuppetNameLength = 100

// MaxCommandNameLength is the maximum length of a bot command name.
const MaxCommandNameLength = 32

var (
	commandNameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
	hexColorRegexp    = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
)

// validOptionTypes is the closed set of option descriptor types.
var validOptionTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"boolean": true,
	"number":  true,
}

// ValidateCommandName checks the lexical form of a bot command name:
// 1-32 characters of lowercase ASCII letters, digits, hyphen, or
// underscore, starting with a letter.
func ValidateCommandName(name string) error {
	if name == "" {
		return invalidFormat("Invalid command name: name cannot be empty")
	}
	if len(name) > MaxCommandNameLength {
		return invalidFormat("Invalid command name: name cannot exceed %d characters", MaxCommandNameLength)
	}
	if !commandNameRegexp.MatchString(name) {
		return invalidFormat("Invalid command name: use lowercase letters, digits, '-' or '_', starting with a letter")
	}
	return nil
}

// ValidateColor checks a hex color string. The empty string means absence
// and is valid; otherwise the value must be '#' followed by exactly 3 or 6
// hex digits.
func ValidateColor(color string) error {
	if color == "" {
		return nil
	}
	if !hexColorRegexp.MatchString(color) {
		return invalidFormat("Invalid color: must be '#' followed by 3 or 6 hex digits")
	}
	return nil
}

// ValidateSecureURL checks that raw is an absolute URL with the https
// scheme. Plain http is rejected.
func ValidateSecureURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalidFormat("Invalid URL: %v", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return invalidFormat("Invalid URL: must be absolute")
	}
	if u.Scheme != "https" {
		return invalidFormat("Invalid URL: scheme must be https")
	}
	return nil
}

// ValidateDisplayName checks a puppet display name: non-empty and at most
// MaxPuppetNameLength characters. The limit counts characters, not bytes,
// so multibyte names are not penalized. Callers trim surrounding
// whitespace first.
func ValidateDisplayName(name string) error {
	if name == "" {
		return invalidFormat("Puppet name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxPuppetNameLength {
		return invalidFormat("Puppet name cannot exceed %d characters", MaxPuppetNameLength)
	}
	return nil
}

// ValidateOptionsSchema checks an ordered sequence of command option
// descriptors: every option needs a non-empty name and a type from the
// closed set, and names must be pairwise distinct. The first violation in
// input order is reported.
func ValidateOptionsSchema(options []database.CommandOption) error {
	seen := make(map[string]bool, len(options))
	for i, opt := range options {
		if opt.Name == "" {
			return invalidFormat("Option %d must have a 'name' string", i)
		}
		if !validOptionTypes[opt.Type] {
			return invalidFormat("Option '%s' must have a valid 'type' (one of: string, integer, boolean, number)", opt.Name)
		}
		if seen[opt.Name] {
			return invalidFormat("Duplicate option name: '%s'", opt.Name)
		}
		seen[opt.Name] = true
	}
	return nil
}
