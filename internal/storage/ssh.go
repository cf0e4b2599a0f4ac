package storage

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sshDialTimeout = 10 * time.Second

// SSHStorage uploads archives over SFTP. The connection is opened on first
// use and reopened if the server drops it.
type SSHStorage struct {
	mu         sync.Mutex
	client     *ssh.Client
	sftpClient *sftp.Client
	remotePath string
	host       string
	user       *url.Userinfo
	insecure   bool
}

func NewSSHStorage(u *url.URL, opts StorageOptions) (*SSHStorage, error) {
	if u.Hostname() == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "missing SSH host", "Use sftp://user@host/path.")
	}
	host := u.Host
	if u.Port() == "" {
		host += ":22"
	}
	user := u.User
	if user == nil {
		user = url.User(os.Getenv("USER"))
	}

	return &SSHStorage{
		remotePath: strings.TrimPrefix(u.Path, "/./"),
		host:       host,
		user:       user,
		insecure:   opts.AllowInsecure,
	}, nil
}

func (s *SSHStorage) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "cannot locate known_hosts", "Set HOME or enable mirror.allow_insecure.")
	}
	cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "cannot load known_hosts", "Connect once with ssh to record the host key, or enable mirror.allow_insecure.")
	}
	return cb, nil
}

func (s *SSHStorage) authMethods() []ssh.AuthMethod {
	if pass, ok := s.user.Password(); ok && pass != "" {
		return []ssh.AuthMethod{ssh.Password(pass)}
	}

	var methods []ssh.AuthMethod
	if authSock := os.Getenv("SSH_AUTH_SOCK"); authSock != "" {
		if conn, err := net.Dial("unix", authSock); err == nil {
			ag := agent.NewClient(conn)
			if signers, err := ag.Signers(); err == nil && len(signers) > 0 {
				methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
			}
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return methods
	}
	for _, k := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		key, err := os.ReadFile(filepath.Join(home, ".ssh", k))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(key); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	return methods
}

func (s *SSHStorage) connect(ctx context.Context) (*sftp.Client, error) {
	if s.sftpClient != nil {
		if _, err := s.sftpClient.Getwd(); err == nil {
			return s.sftpClient, nil
		}
		s.closeLocked()
	}

	auth := s.authMethods()
	if len(auth) == 0 {
		return nil, apperrors.New(apperrors.TypeAuth, "no supported SSH authentication methods found", "Ensure you have an SSH agent running or provide valid private keys/passwords.")
	}
	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            s.user.Username(),
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         sshDialTimeout,
	}

	d := net.Dialer{Timeout: sshDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.host)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to connect via SSH", "Check host reachability and the SSH port.")
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.host, config)
	if err != nil {
		conn.Close()
		return nil, apperrors.Wrap(err, apperrors.TypeAuth, "SSH handshake failed", "Check credentials and the recorded host key.")
	}
	client := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to create SFTP client", "Verify the SFTP subsystem is enabled on the remote host.")
	}

	s.client = client
	s.sftpClient = sftpClient
	return sftpClient, nil
}

func (s *SSHStorage) Save(ctx context.Context, name string, r io.Reader, _ int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.connect(ctx)
	if err != nil {
		return "", err
	}

	target := path.Join(s.remotePath, name)
	if err := sc.MkdirAll(path.Dir(target)); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to create remote directory "+path.Dir(target), "")
	}

	tmp := target + ".tmp"
	f, err := sc.Create(tmp)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to create remote file "+tmp, "")
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		_ = sc.Remove(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "SFTP upload failed", "")
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmp)
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "SFTP upload failed", "")
	}
	if err := sc.PosixRename(tmp, target); err != nil {
		if err := sc.Rename(tmp, target); err != nil {
			return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to finalize remote file", "")
		}
	}
	return "sftp://" + s.host + target, nil
}

func (s *SSHStorage) Location() string {
	return "sftp://" + s.host + s.remotePath
}

func (s *SSHStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SSHStorage) closeLocked() error {
	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
