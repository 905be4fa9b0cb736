// Package gitsync keeps a local checkout of a git pack root. It implements no
// threadpooling; the build drives one Synchronizer per root. A Synchronizer
// is not thread-safe.
package gitsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	gohttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/propack/propack/internal/config"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/metrics"
)

// configFile tracks if a clone can be re-used or needs to be wiped. It lives
// under .git, so it never becomes part of a pack.
const configFile = "propack-config"

const remote = "origin"

// ErrSync marks failures to fetch or check out a repository.
var ErrSync = errors.New("git synchronizer")

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

type Synchronizer struct {
	path   string
	config config.Git
	gh     github
	pack   string
	log    *logging.Logger
	commit string
}

// New creates a Synchronizer checking out the repository of the config into
// path. The caller guarantees that path is not shared with another
// Synchronizer. If the path does not exist, it will be created.
func New(path string, config config.Git, pack string) *Synchronizer {
	return &Synchronizer{path: path, config: config, pack: pack, log: logging.NewNop()}
}

func (s *Synchronizer) WithLogger(log *logging.Logger) *Synchronizer {
	s.log = log
	return s
}

// Commit is the hash checked out by the last successful Execute.
func (s *Synchronizer) Commit() string {
	return s.commit
}

// Execute clones the repository if there is no usable clone on disk, and
// otherwise fetches it. Then it checks out the configured reference or
// commit, discarding local changes.
func (s *Synchronizer) Execute(ctx context.Context) error {
	startTime := time.Now()

	fetched, err := s.execute(ctx)
	if err != nil {
		metrics.GitSyncFailed(s.pack, s.config.Repo)
		return fmt.Errorf("pack %q: %w: %v: %w", s.pack, ErrSync, s.config.Repo, err)
	}
	if fetched {
		metrics.GitSyncSucceeded(s.pack, s.config.Repo, startTime)
	}
	s.log.Debugf("pack %q: %s checked out at %s", s.pack, s.config.Repo, s.commit)
	return nil
}

func (s *Synchronizer) execute(ctx context.Context) (bool, error) {
	if s.config.Commit == nil && s.config.Reference == nil {
		return false, errors.New("either reference or commit must be set in git configuration")
	}

	var referenceName plumbing.ReferenceName
	if s.config.Reference != nil {
		referenceName = plumbing.ReferenceName(*s.config.Reference)
	}

	// Any configuration change except for credentials wipes an earlier
	// clone: the marker file only holds secret names.
	if data, err := os.ReadFile(filepath.Join(s.path, ".git", configFile)); err == nil {
		previous := config.Git{
			Credentials: s.config.Credentials,
		}
		if err := json.Unmarshal(data, &previous); err != nil || !previous.Equal(&s.config) {
			s.log.Infof("pack %q: git configuration changed, removing %s", s.pack, s.path)
			if err := os.RemoveAll(s.path); err != nil {
				return false, err
			}
		}
	} else if !os.IsNotExist(err) {
		return false, err
	}

	var authMethod transport.AuthMethod
	var fetched bool

	repository, err := git.PlainOpen(s.path)
	if errors.Is(err, git.ErrRepositoryNotExists) { // does not exist? clone it
		authMethod, err = s.auth(ctx)
		if err != nil {
			return false, err
		}

		fetched = true
		repository, err = git.PlainCloneContext(ctx, s.path, false, &git.CloneOptions{
			URL:               s.config.Repo,
			Auth:              authMethod,
			RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
			ReferenceName:     referenceName,
			SingleBranch:      true,
			NoCheckout:        true, // We will checkout later
		})
		if err != nil {
			return false, err
		}

		data, err := json.Marshal(s.config)
		if err != nil {
			return false, err
		}
		if err := os.WriteFile(filepath.Join(s.path, ".git", configFile), data, 0o644); err != nil {
			return false, err
		}
	} else if err != nil { // other errors are bubbled up
		return false, err
	}

	w, err := repository.Worktree()
	if err != nil {
		return false, err
	}

	if s.config.Commit != nil {
		hash := plumbing.NewHash(*s.config.Commit)
		if w.Checkout(&git.CheckoutOptions{Force: true, Hash: hash}) == nil { // pinned commit already present
			s.commit = hash.String()
			return fetched, nil
		}
	}

	// Branches and tags move, and a pinned commit may not be fetched yet.

	if authMethod == nil {
		authMethod, err = s.auth(ctx)
		if err != nil {
			return false, err
		}
	}

	fetched = true
	if err := repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		Auth:       authMethod,
		Force:      true,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/refs/heads/*", remote)),
			gitconfig.RefSpec(fmt.Sprintf("+refs/tags/*:refs/remotes/%s/refs/tags/*", remote)),
		},
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return false, err
	}

	opts := &git.CheckoutOptions{
		Force: true, // Discard any local changes
	}
	switch {
	case s.config.Reference != nil:
		opts.Branch = plumbing.ReferenceName(fmt.Sprintf("refs/remotes/%s/%s", remote, *s.config.Reference))
	case s.config.Commit != nil:
		opts.Hash = plumbing.NewHash(*s.config.Commit)
	}

	if err := w.Checkout(opts); err != nil {
		return false, err
	}

	head, err := repository.Head()
	if err != nil {
		return false, err
	}
	s.commit = head.Hash().String()
	return fetched, nil
}

func (s *Synchronizer) auth(ctx context.Context) (transport.AuthMethod, error) {
	if s.config.Credentials == nil {
		return nil, nil
	}

	typed, err := s.config.Credentials.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	return authFromTyped(ctx, &s.gh, typed)
}

// authFromTyped converts a typed config credential to transport.AuthMethod
func authFromTyped(ctx context.Context, gh *github, value any) (transport.AuthMethod, error) {
	switch value := value.(type) {
	case config.SecretBasicAuth:
		return &basicAuth{
			Username: value.Username,
			Password: value.Password,
			Headers:  value.Headers,
		}, nil

	case config.SecretGitHubApp:
		token, err := gh.Token(ctx, value.IntegrationID, value.InstallationID, value.PrivateKey)
		if err != nil {
			return nil, err
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token}, nil

	case config.SecretSSHKey:
		return newSSHAuth(value.Key, value.Passphrase, value.Fingerprints)

	case config.SecretTokenAuth:
		return &http.TokenAuth{Token: value.Token}, nil

	default:
		return nil, fmt.Errorf("unsupported authentication type for git: %T", value)
	}
}

type github struct {
	integrationID  int64
	installationID int64
	privateKey     []byte
	tr             *ghinstallation.Transport
	mu             sync.Mutex
}

// Token returns an installation token. privateKey is a PEM block or the path
// of a file holding one.
func (gh *github) Token(ctx context.Context, integrationID, installationID int64, privateKey string) (string, error) {
	key := []byte(privateKey)
	if !strings.HasPrefix(strings.TrimSpace(privateKey), "-----BEGIN") {
		var err error
		key, err = os.ReadFile(privateKey)
		if err != nil {
			return "", err
		}
	}

	tr, err := gh.transport(integrationID, installationID, key)
	if err != nil {
		return "", err
	}

	return tr.Token(ctx)
}

func (gh *github) transport(integrationID, installationID int64, privateKey []byte) (*ghinstallation.Transport, error) {
	gh.mu.Lock()
	defer gh.mu.Unlock()

	if gh.tr == nil || gh.integrationID != integrationID || gh.installationID != installationID || !bytes.Equal(gh.privateKey, privateKey) {
		tr, err := ghinstallation.New(gohttp.DefaultTransport, integrationID, installationID, privateKey)
		if err != nil {
			return nil, err
		}

		gh.integrationID = integrationID
		gh.installationID = installationID
		gh.privateKey = privateKey
		gh.tr = tr
	}

	return gh.tr, nil
}

func newSSHAuth(key string, passphrase string, fingerprints []string) (gitssh.AuthMethod, error) {
	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(key))
	}
	if err != nil {
		return nil, err
	}

	if len(fingerprints) == 0 {
		return nil, errors.New("ssh: at least one fingerprint is required when using ssh_key authentication")
	}

	return &gitssh.PublicKeys{
		User:   "git",
		Signer: signer,
		HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
			HostKeyCallback: newCheckFingerprints(fingerprints),
		},
	}, nil
}

func newCheckFingerprints(fingerprints []string) ssh.HostKeyCallback {
	m := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		m[fp] = true
	}

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if _, ok := m[fingerprint]; !ok {
			return fmt.Errorf("ssh: unknown fingerprint (%s) for %s", fingerprint, hostname)
		}
		return nil
	}
}

// basicAuth provides HTTP basic authentication but in addition can set
// extra headers required for authentication.
type basicAuth struct {
	Username string
	Password string
	Headers  []string
}

func (a *basicAuth) String() string {
	masked := "*******"
	if a.Password == "" {
		masked = "<empty>"
	}
	return fmt.Sprintf("%s - %s:%s [%s]", a.Name(), a.Username, masked, strings.Join(a.Headers, ", "))
}

func (*basicAuth) Name() string {
	return "http-basic-auth-extra"
}

func (a *basicAuth) SetAuth(r *gohttp.Request) {
	r.SetBasicAuth(a.Username, a.Password)
	for _, header := range a.Headers {
		name, value, found := strings.Cut(header, ":")
		if found {
			r.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
}
