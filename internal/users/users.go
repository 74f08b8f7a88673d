// Package users lists jobctl users and imports host accounts from the
// passwd database.
package users

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// DefaultPasswd is the host account database.
const DefaultPasswd = "/etc/passwd"

// Host accounts with a uid below minUID are system accounts.
const minUID = 1000

// nobody is excluded even though its uid is above minUID.
const nobodyUID = 65534

// RoleDeveloper is the role given to imported host accounts.
const RoleDeveloper = "developer"

// SystemUser is a login account found in the passwd database.
type SystemUser struct {
	Username string `json:"username"`
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
	Name     string `json:"name,omitempty"`
	HomeDir  string `json:"homeDir"`
	Shell    string `json:"shell"`
}

// SyncResult counts the outcome of Sync.
type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Service reads and synchronises users.
type Service struct {
	store  *store.Store
	audit  *audit.Recorder
	passwd string
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Service reading host accounts from passwd
// (DefaultPasswd when empty).
func New(s *store.Store, rec *audit.Recorder, passwd string, log *slog.Logger) *Service {
	if passwd == "" {
		passwd = DefaultPasswd
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: s, audit: rec, passwd: passwd, log: log.With("component", "users"), now: time.Now}
}

// List returns every known user.
func (s *Service) List(ctx context.Context) ([]job.User, error) {
	users, err := s.store.Queries().ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []job.User{}
	}
	return users, nil
}

// SystemUsers returns the login accounts of the host.
func (s *Service) SystemUsers() ([]SystemUser, error) {
	f, err := os.Open(s.passwd)
	if err != nil {
		return nil, apperrors.Unavailable("users.passwd", err.Error())
	}
	defer f.Close()
	return ParsePasswd(f)
}

// Sync upserts every host account as a developer and records a
// SYNC_USERS audit entry.
func (s *Service) Sync(ctx context.Context, user string) (*SyncResult, error) {
	accounts, err := s.SystemUsers()
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = job.SystemUser
	}

	res := &SyncResult{}
	err = s.store.Tx(ctx, func(q *store.Queries) error {
		*res = SyncResult{}
		now := s.now().UTC()
		for _, a := range accounts {
			uid := a.UID
			created, err := q.UpsertUser(ctx, &job.User{
				ID:        uuid.NewString(),
				Username:  a.Username,
				Role:      RoleDeveloper,
				UID:       &uid,
				HomeDir:   a.HomeDir,
				Shell:     a.Shell,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			if created {
				res.Created++
			} else {
				res.Updated++
			}
		}
		_, err := s.audit.RecordTx(ctx, q, audit.Entry{
			Action:     audit.ActionSyncUsers,
			TargetType: audit.TargetUser,
			TargetID:   "system",
			Username:   user,
			After:      res,
			Message:    fmt.Sprintf("synchronised %d host accounts", len(accounts)),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Host accounts synchronised", "created", res.Created, "updated", res.Updated)
	return res, nil
}

// ParsePasswd reads passwd(5) entries and keeps login accounts: uid of at
// least 1000, not nobody, with a shell that allows logins. Malformed lines
// are skipped.
func ParsePasswd(r io.Reader) ([]SystemUser, error) {
	var out []SystemUser
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 7 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil || uid < minUID || uid == nobodyUID {
			continue
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}
		if !loginShell(fields[6]) {
			continue
		}
		name, _, _ := strings.Cut(fields[4], ",")
		out = append(out, SystemUser{
			Username: fields[0],
			UID:      uid,
			GID:      gid,
			Name:     name,
			HomeDir:  fields[5],
			Shell:    fields[6],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.Internal("users.parsePasswd", err)
	}
	return out, nil
}

func loginShell(shell string) bool {
	switch {
	case shell == "":
		return false
	case strings.HasSuffix(shell, "/nologin"), strings.HasSuffix(shell, "/false"):
		return false
	}
	return true
}
