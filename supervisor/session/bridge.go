package session

import "strconv"

// Bridge holds the terminal bridge (ttyd) settings used to build its command line.
type Bridge struct {
	Port int
	// Interface is passed to -i when set. It can be a network interface name or a UNIX socket path.
	Interface string
	// Writable lets clients send input to the shell.
	Writable bool
	// ClientOptions are opaque key=value strings forwarded with -t (font, theme, ...).
	ClientOptions []string
	Shell         string
	RCFile        string
}

func DefaultClientOptions() []string {
	return []string{
		"fontSize=14",
		`fontFamily="Menlo, Consolas, monospace"`,
		`theme={"background":"#0d1117", "foreground":"#c9d1d9", "cursor":"#00ff00"}`,
	}
}

// Args returns the bridge arguments, ending with the shell invocation.
func (b Bridge) Args() []string {
	args := []string{"-p", strconv.Itoa(b.Port)}
	if b.Interface != "" {
		args = append(args, "-i", b.Interface)
	}
	if b.Writable {
		args = append(args, "-W")
	}
	for _, o := range b.ClientOptions {
		args = append(args, "-t", o)
	}
	shell := b.Shell
	if shell == "" {
		shell = "bash"
	}
	args = append(args, shell)
	if b.RCFile != "" {
		args = append(args, "--rcfile", b.RCFile)
	}
	return args
}
