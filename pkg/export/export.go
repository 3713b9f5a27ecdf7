package export

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Dest describes the SFTP target a run directory is exported to.
type Dest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	RemoteDir  string `json:"remote_dir"`
}

// Exporter copies persisted run directories to a remote host.
type Exporter struct {
	dest Dest
}

func NewExporter(dest Dest) *Exporter {
	if dest.Port == 0 {
		dest.Port = 22
	}
	return &Exporter{dest: dest}
}

// Run uploads everything under localDir to <remote_dir>/<runID>/ and
// returns the number of files pushed.
func (e *Exporter) Run(runID, localDir string) (int, error) {
	if _, err := os.Stat(localDir); err != nil {
		return 0, fmt.Errorf("run directory unavailable: %w", err)
	}

	authMethods, err := e.buildAuthMethods()
	if err != nil {
		return 0, err
	}

	config := &ssh.ClientConfig{
		User:            e.dest.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", e.dest.Host, e.dest.Port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return 0, fmt.Errorf("ssh dial failed: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	remoteRoot := path.Join(e.dest.RemoteDir, runID)
	pushed := 0
	err = filepath.WalkDir(localDir, func(local string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, local)
		if err != nil {
			return err
		}
		remotePath := path.Join(remoteRoot, filepath.ToSlash(rel))
		if err := pushFile(sftpClient, remotePath, local); err != nil {
			return fmt.Errorf("push %s: %w", rel, err)
		}
		pushed++
		return nil
	})
	if err != nil {
		return pushed, err
	}
	return pushed, nil
}

func (e *Exporter) buildAuthMethods() ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(e.dest.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if e.dest.Password != "" {
		authMethods = append(authMethods, ssh.Password(e.dest.Password))
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("export destination has no credentials")
	}
	return authMethods, nil
}

func pushFile(client *sftp.Client, remotePath, localPath string) error {
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	file, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(0o644)
}
