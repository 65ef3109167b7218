package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/propsync/propsync/internal/util"
)

// Internal configuration data structures for propsync.

// Root is the top-level configuration structure. A configuration file
// describes exactly one synchronization target: one repository, one
// properties file, one secret.
type Root struct {
	Repository  Repository         `json:"repository"`
	Properties  Properties         `json:"properties"`
	Secret      SecretSource       `json:"secret"`
	Transaction Transaction        `json:"transaction,omitzero"`
	Secrets     map[string]*Secret `json:"secrets,omitempty"` // Schema validation overrides Secret to object type.
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for the Root
// struct. It injects the secret store into each secret reference so that
// internal callers can resolve secret values as needed.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) unmarshal() error {
	for name := range r.Secrets {
		if r.Secrets[name] == nil {
			r.Secrets[name] = &Secret{}
		}
		r.Secrets[name].Name = name
	}

	if r.Repository.Credentials != nil {
		r.Repository.Credentials.value = r.Secrets[r.Repository.Credentials.Name]
	}

	if r.Secret.Credentials != nil {
		r.Secret.Credentials.value = r.Secrets[r.Secret.Credentials.Name]
	}

	r.setDefaults()
	return nil
}

func (r *Root) setDefaults() {
	if r.Repository.Branch == "" {
		r.Repository.Branch = "main"
	}
	if r.Transaction.BranchPrefix == "" {
		r.Transaction.BranchPrefix = "db-update"
	}
	if r.Transaction.AuthorName == "" {
		r.Transaction.AuthorName = "propsync"
	}
	if r.Transaction.AuthorEmail == "" {
		r.Transaction.AuthorEmail = "propsync@localhost"
	}
	if r.Transaction.CommitMessage == "" {
		r.Transaction.CommitMessage = fmt.Sprintf("Update %s in %s", r.Properties.Key, r.Properties.File)
	}
}

// Repository describes the git repository holding the properties file.
type Repository struct {
	URL         string     `json:"url"`
	Branch      string     `json:"branch,omitempty"` // target branch, defaults to main
	Path        string     `json:"path"`             // local working copy location
	Credentials *SecretRef `json:"credentials,omitempty"` // If nil, no authentication is used (public repos).
	// Note, JSON schema validation overrides this to string type.

	_ struct{} `additionalProperties:"false"`
}

func (r *Repository) Equal(other *Repository) bool {
	return util.FastEqual(r, other, func(r, other *Repository) bool {
		return r.URL == other.URL &&
			r.Branch == other.Branch &&
			r.Path == other.Path
		// Credentials deliberately excluded: rotating a credential must not
		// invalidate an existing clone.
	})
}

// Properties identifies the target entry inside the repository.
type Properties struct {
	File string `json:"file"` // path relative to the repository root
	Key  string `json:"key"`  // property key to keep in sync

	_ struct{} `additionalProperties:"false"`
}

// SecretSource describes where the property value comes from: a secret in
// AWS Secrets Manager, optionally a single key of a JSON-valued secret.
type SecretSource struct {
	Name        string     `json:"name"`
	Region      string     `json:"region,omitempty"`
	Profile     string     `json:"profile,omitempty"`
	JSONKey     string     `json:"json_key,omitempty"`
	Credentials *SecretRef `json:"credentials,omitempty"` // If nil, the default AWS credential chain is used.

	_ struct{} `additionalProperties:"false"`
}

// Transaction configures how a change is committed and published.
type Transaction struct {
	BranchPrefix  string `json:"branch_prefix,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	AuthorName    string `json:"author_name,omitempty"`
	AuthorEmail   string `json:"author_email,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// SecretRef is a reference to a named secret in the configuration. The
// reference is resolved lazily so that credentials are only materialized
// when an operation actually needs them.
type SecretRef struct {
	Name  string `json:"-"`
	value *Secret
}

// Resolve retrieves the typed secret value from the secret store.
func (s *SecretRef) Resolve() (any, error) {
	if s.value == nil {
		return nil, fmt.Errorf("secret %q not found", s.Name)
	}

	return s.value.Typed()
}

func (s *SecretRef) MarshalYAML() (any, error) {
	if s.Name == "" {
		return nil, nil
	}
	return s.Name, nil
}

func (s *SecretRef) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *SecretRef) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("expected scalar node: %w", err)
	}
	return nil
}

func (s *SecretRef) UnmarshalJSON(bs []byte) error {
	if err := json.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("expected scalar value: %w", err)
	}
	return nil
}

// ParseFile reads, validates and unmarshals a single configuration file.
func ParseFile(filename string) (*Root, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return Parse(bs)
}

// Parse validates the raw YAML against the embedded JSON schema and
// unmarshals it into a Root.
func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &root, nil
}
