package types

// SideEffectClass categorizes a tool by the blast radius of running it.
// The Policy Engine and Checkpoint Manager both key decisions off this.
type SideEffectClass string

const (
	SideEffectRead           SideEffectClass = "read"
	SideEffectWrite          SideEffectClass = "write"
	SideEffectShell          SideEffectClass = "shell"
	SideEffectGit            SideEffectClass = "git"
	SideEffectNetworkExternal SideEffectClass = "network-external"
)

// ArgSpec describes one named argument a tool accepts.
type ArgSpec struct {
	Name     string
	Type     string // "string", "integer", "boolean", "object"
	Required bool
	Brief    string
}

// ToolDescriptor is the registered shape of a tool: enough for the LM
// Client to advertise it, the Response Parser to validate a call
// against, and the Executor to bound its output (spec §3).
type ToolDescriptor struct {
	Name        string
	Description string
	Args        []ArgSpec
	OutputLimit int // bytes
	SideEffect  SideEffectClass
}

// RequiredArgs returns the names of arguments this tool requires.
func (d ToolDescriptor) RequiredArgs() []string {
	var out []string
	for _, a := range d.Args {
		if a.Required {
			out = append(out, a.Name)
		}
	}
	return out
}

// Arg looks up an argument spec by name.
func (d ToolDescriptor) Arg(name string) (ArgSpec, bool) {
	for _, a := range d.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}
