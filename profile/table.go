package profile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// NewTable creates a new instance of a *Table with the specified
// initial context. Refer to Table's documentation for more
// information.
func NewTable(initialContext string) *Table {
	return &Table{
		currentContext:    initialContext,
		contextToProfiles: make(map[string]Profile),
	}
}

// DefaultTable returns a Table holding the built-in profiles with
// DefaultContext selected.
func DefaultTable() *Table {
	return NewTable(DefaultContext).
		AddInContext(QEMUVirt(), DefaultContext)
}

// Table organizes Profiles by context. A context is usually the
// name of a board and kernel build.
//
// Switching between a test board and the real target only requires
// selecting a different context, rather than editing addresses in
// several places.
type Table struct {
	currentContext    string
	contextToProfiles map[string]Profile
}

// File is the on-disk format read by LoadJSON.
//
// Example:
//
//	{
//	  "context": "my-board",
//	  "profiles": {
//	    "my-board": {"ram_base": "0x40000000", "ram_size": "0xf000000", ...}
//	  }
//	}
type File struct {
	Context  string             `json:"context,omitempty"`
	Profiles map[string]Profile `json:"profiles"`
}

// SetContext sets the current context to the specified value.
func (o *Table) SetContext(context string) *Table {
	o.currentContext = context
	return o
}

// DeleteContext deletes the specified context.
func (o *Table) DeleteContext(context string) *Table {
	delete(o.contextToProfiles, context)
	return o
}

// AddInContext adds or replaces the profile for the specified context.
func (o *Table) AddInContext(p Profile, context string) *Table {
	o.contextToProfiles[context] = p
	return o
}

// CurrentContext returns the current context.
func (o *Table) CurrentContext() string {
	return o.currentContext
}

// Contexts returns the sorted names of all contexts.
func (o *Table) Contexts() []string {
	var names []string
	for name := range o.contextToProfiles {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// CurrentOrExit calls Current. DefaultExitFn is invoked if
// an error occurs.
func (o *Table) CurrentOrExit() Profile {
	p, err := o.Current()
	if err != nil {
		DefaultExitFn(err)
	}

	return p
}

// Current returns the validated profile of the current context.
func (o *Table) Current() (Profile, error) {
	p, hasIt := o.contextToProfiles[o.currentContext]
	if !hasIt {
		return Profile{}, fmt.Errorf("the current context ('%s') is not in the profile table (have: %v)",
			o.currentContext, o.Contexts())
	}

	err := p.Validate()
	if err != nil {
		return Profile{}, fmt.Errorf("profile '%s' - %w", o.currentContext, err)
	}

	return p, nil
}

// LoadFileOrExit calls LoadFile. DefaultExitFn is invoked if
// an error occurs.
func (o *Table) LoadFileOrExit(filePath string) *Table {
	err := o.LoadFile(filePath)
	if err != nil {
		DefaultExitFn(err)
	}

	return o
}

// LoadFile reads a JSON profile File into the table.
func (o *Table) LoadFile(filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open profile file - %w", err)
	}
	defer f.Close()

	err = o.LoadJSON(f)
	if err != nil {
		return fmt.Errorf("failed to load profile file '%s' - %w", filePath, err)
	}

	return nil
}

// LoadJSON decodes a File and adds its profiles to the table.
// Profiles replace existing profiles of the same context. If the
// File names a context, it becomes the current context.
func (o *Table) LoadJSON(r io.Reader) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	var file File
	err := decoder.Decode(&file)
	if err != nil {
		return fmt.Errorf("failed to decode json - %w", err)
	}

	if len(file.Profiles) == 0 {
		return fmt.Errorf("file contains no profiles")
	}

	for context, p := range file.Profiles {
		o.contextToProfiles[context] = p
	}

	if file.Context != "" {
		o.currentContext = file.Context
	}

	return nil
}
