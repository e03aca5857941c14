package publish

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Default connection values.
const (
	DefaultPort    = 22
	DefaultTimeout = 30 * time.Second
)

// Config holds the SFTP connection settings.
type Config struct {
	// Host is the SFTP server.
	Host string

	// Port is the SSH port. Defaults to 22.
	Port int

	// Username is the SSH user.
	Username string

	// Password authenticates when KeyFile is not set.
	Password string

	// KeyFile is the path to an SSH private key. Takes precedence over
	// Password.
	KeyFile string

	// KnownHostsFile verifies the server host key.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips host key verification. Test setups only.
	InsecureIgnoreHostKey bool

	// RemoteDir is the destination directory on the server. Empty uploads
	// into the session's starting directory.
	RemoteDir string

	// Timeout bounds the SSH dial. Defaults to 30 seconds.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" && c.KeyFile == "" {
		return fmt.Errorf("a password or key file is required")
	}
	if c.KeyFile != "" {
		if _, err := os.Stat(c.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("key file not found: %s", c.KeyFile)
		}
	}
	if c.KnownHostsFile == "" && !c.InsecureIgnoreHostKey {
		return fmt.Errorf("a known hosts file is required unless host key verification is disabled")
	}
	return nil
}

// Address returns the host:port dial target.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// clientConfig builds the SSH client configuration: key authentication when
// a key file is set, password otherwise, and host key verification against
// the known hosts file unless disabled.
func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if c.KeyFile != "" {
		keyBytes, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else {
		methods = append(methods, ssh.Password(c.Password))

		// Many servers present the password prompt via keyboard-interactive.
		methods = append(methods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	var hostKeys ssh.HostKeyCallback
	if c.InsecureIgnoreHostKey {
		hostKeys = ssh.InsecureIgnoreHostKey()
	} else {
		var err error
		hostKeys, err = knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.Username,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         c.Timeout,
	}, nil
}
