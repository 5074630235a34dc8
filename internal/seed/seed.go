package seed

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

//go:embed templates/*.html.liquid
var embedded embed.FS

const templateSuffix = ".html.liquid"

// Repository is the subset of db.Repository the seeder writes through.
type Repository interface {
	UpsertCategory(ctx context.Context, name string, allowUnsubscribe bool) (int, error)
	UpsertTemplate(ctx context.Context, t db.TemplateSeed) (bool, error)
}

// Categories lists the seeded categories in creation order.
var Categories = []struct {
	Name             string
	AllowUnsubscribe bool
}{
	{db.CategoryGeneral, true},
	{db.CategorySecurity, false},
	{db.CategoryTimeTracking, true},
}

// CategoryFor maps a template key to its category name.
func CategoryFor(key string) string {
	switch key {
	case "User.PasswordReset":
		return db.CategorySecurity
	case "TimeEntry.Created", "TimeEntry.Approved":
		return db.CategoryTimeTracking
	default:
		return db.CategoryGeneral
	}
}

// SubjectFor returns the subject template a new key starts with.
func SubjectFor(key string) string {
	switch key {
	case "User.PasswordReset":
		return "Password reset request for {{ firstName }}"
	default:
		return key
	}
}

// Result summarizes one seeding run.
type Result struct {
	Categories int
	Inserted   int
	Updated    int
}

type Seeder struct {
	repo   Repository
	files  fs.FS
	logger *zap.Logger
}

// New returns a seeder over the embedded email templates.
func New(repo Repository, logger *zap.Logger) *Seeder {
	sub, _ := fs.Sub(embedded, "templates")
	return NewFromFS(repo, sub, logger)
}

// NewFromFS returns a seeder reading *.html.liquid files from the root of files.
func NewFromFS(repo Repository, files fs.FS, logger *zap.Logger) *Seeder {
	return &Seeder{repo: repo, files: files, logger: logger}
}

// Run ensures the categories exist and upserts every template file.
func (s *Seeder) Run(ctx context.Context) (Result, error) {
	var res Result

	ids := make(map[string]int, len(Categories))
	for _, c := range Categories {
		id, err := s.repo.UpsertCategory(ctx, c.Name, c.AllowUnsubscribe)
		if err != nil {
			return res, err
		}
		ids[c.Name] = id
		res.Categories++
	}

	names, err := fs.Glob(s.files, "*"+templateSuffix)
	if err != nil {
		return res, fmt.Errorf("list templates: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := fs.ReadFile(s.files, name)
		if err != nil {
			return res, fmt.Errorf("read template %s: %w", name, err)
		}

		key := strings.TrimSuffix(path.Base(name), templateSuffix)
		category := CategoryFor(key)

		inserted, err := s.repo.UpsertTemplate(ctx, db.TemplateSeed{
			Channel:    db.ChannelEmail,
			Key:        key,
			CategoryID: ids[category],
			Subject:    SubjectFor(key),
			Body:       string(body),
		})
		if err != nil {
			return res, err
		}

		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
		s.logger.Debug("template processed",
			zap.String("template_key", key),
			zap.String("category", category),
		)
	}

	if len(names) == 0 {
		s.logger.Warn("no email templates found")
	}
	return res, nil
}
