package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"taskboard/api/internal/query"
	"taskboard/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

var projectColumns = query.Columns{
	"id":              "p.id",
	"name":            "p.name",
	"visibility":      "p.visibility",
	"manager_user_id": "p.manager_user_id",
	"creator_user_id": "p.creator_user_id",
	"created_at":      "p.created_at",
	"updated_at":      "p.updated_at",
}

var taskColumns = query.Columns{
	"id":                      "t.id",
	"project_id":              "t.project_id",
	"stage_id":                "t.stage_id",
	"name":                    "t.name",
	"description":             "t.description",
	"priority":                "t.priority",
	"deadline":                "t.deadline",
	"sequence":                "t.sequence",
	"parent_id":               "t.parent_id",
	"assignee_user_id":        "t.assignee_user_id",
	"assignee_partner_id":     "(SELECT u.partner_id FROM users u WHERE u.id = t.assignee_user_id)",
	"assignee_email":          "(SELECT pa.email FROM users u JOIN partners pa ON pa.id = u.partner_id WHERE u.id = t.assignee_user_id)",
	"tag_ids":                 "EXISTS (SELECT 1 FROM task_tags tt WHERE tt.task_id = t.id AND tt.tag_id = %s)",
	"created_at":              "t.created_at",
	"updated_at":              "t.updated_at",
	"project_visibility":      "p.visibility",
	"project_manager_user_id": "p.manager_user_id",
}

var messageColumns = query.Columns{
	"id":                      "m.id",
	"task_id":                 "m.task_id",
	"message_type":            "m.message_type",
	"subtype_code":            "m.subtype_code",
	"subtype_name":            "m.subtype_name",
	"created_at":              "m.created_at",
	"assignee_user_id":        "t.assignee_user_id",
	"project_visibility":      "p.visibility",
	"project_manager_user_id": "p.manager_user_id",
}

const (
	projectFrom = `projects p`
	taskFrom    = `tasks t JOIN projects p ON p.id = t.project_id`
	messageFrom = `messages m JOIN tasks t ON t.id = m.task_id JOIN projects p ON p.id = t.project_id`

	projectFields = `p.id, p.name, p.description, p.visibility, p.manager_user_id, p.creator_user_id, p.created_at, p.updated_at`
	taskFields    = `t.id, t.project_id, t.stage_id, t.name, t.description, t.priority, t.deadline, t.sequence,
		t.assignee_user_id, t.creator_user_id, t.parent_id, t.created_at, t.updated_at`
	messageFields = `m.id, m.task_id, m.message_type, m.subtype_code, m.subtype_name, m.body, m.author_partner_id, m.created_at`
	partnerFields = `pa.id, pa.name, COALESCE(pa.email, ''), pa.avatar_url`

	uniqueViolated = "23505"
)

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// find counts every row matching filter, then loads the requested window.
func (s *PostgresStore) find(ctx context.Context, cols query.Columns, from, fields string, filter query.Expr, q query.Query, scan func(*sql.Rows) error) (int, error) {
	b := query.NewSQL(cols)
	where, err := b.Where(filter)
	if err != nil {
		return 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+from+` WHERE `+where, b.Args()...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	orderBy, err := b.OrderBy(q.Order)
	if err != nil {
		return 0, err
	}
	stmt := `SELECT ` + fields + ` FROM ` + from + ` WHERE ` + where + ` ` + orderBy
	if q.Limit > 0 {
		stmt += ` LIMIT ` + b.Bind(q.Limit)
	}
	if q.Offset > 0 {
		stmt += ` OFFSET ` + b.Bind(q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, b.Args()...)
	if err != nil {
		return 0, fmt.Errorf("select: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return 0, err
		}
	}
	return total, rows.Err()
}

func (s *PostgresStore) count(ctx context.Context, cols query.Columns, from string, filter query.Expr) (int, error) {
	b := query.NewSQL(cols)
	where, err := b.Where(filter)
	if err != nil {
		return 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+from+` WHERE `+where, b.Args()...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return total, nil
}

// Users and partners

func scanUser(row scanner) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.PartnerID, &user.Login, &user.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, userID int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT id, partner_id, login, role FROM users WHERE id = $1`, userID))
}

func (s *PostgresStore) UserByPartner(ctx context.Context, partnerID int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT id, partner_id, login, role FROM users WHERE partner_id = $1`, partnerID))
}

func (s *PostgresStore) UserByLogin(ctx context.Context, login string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT id, partner_id, login, role FROM users WHERE login = $1`, login))
}

// CreateUser registers a login. An existing partner with the same email is
// adopted, so identities first seen as mentions keep their id.
func (s *PostgresStore) CreateUser(ctx context.Context, in UserInput) (User, error) {
	role := string(rbac.Normalize(in.Role))
	var user User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var partnerID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO partners (name, email) VALUES ($1, NULLIF($2, ''))
			ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, in.Name, in.Email).Scan(&partnerID); err != nil {
			return fmt.Errorf("upsert partner: %w", err)
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO users (partner_id, login, role) VALUES ($1, $2, $3)
			RETURNING id, partner_id, login, role
		`, partnerID, in.Login, role).Scan(&user.ID, &user.PartnerID, &user.Login, &user.Role)
		if isUniqueViolation(err) {
			return fmt.Errorf("insert user %s: %w", in.Login, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
	return user, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolated
}

func scanPartner(row scanner) (Partner, error) {
	var (
		p      Partner
		avatar sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &avatar); err != nil {
		return Partner{}, err
	}
	p.AvatarURL = nullString(avatar)
	return p, nil
}

func (s *PostgresStore) partnersByID(ctx context.Context, q queryer, ids []int64) (map[int64]Partner, error) {
	out := make(map[int64]Partner, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `SELECT `+partnerFields+` FROM partners pa WHERE pa.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load partners: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// partnersByUser maps user ids to their partners.
func (s *PostgresStore) partnersByUser(ctx context.Context, q queryer, userIDs []int64) (map[int64]Partner, error) {
	out := make(map[int64]Partner, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT u.id, `+partnerFields+`
		FROM users u JOIN partners pa ON pa.id = u.partner_id
		WHERE u.id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load user partners: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			userID int64
			p      Partner
			avatar sql.NullString
		)
		if err := rows.Scan(&userID, &p.ID, &p.Name, &p.Email, &avatar); err != nil {
			return nil, fmt.Errorf("scan user partner: %w", err)
		}
		p.AvatarURL = nullString(avatar)
		out[userID] = p
	}
	return out, rows.Err()
}

// Identity directory

func (s *PostgresStore) FindPartnerByEmail(ctx context.Context, grant IdentityGrant, email string) (Partner, error) {
	if err := grant.valid(); err != nil {
		return Partner{}, err
	}
	grant.audit("lookup", email)
	p, err := scanPartner(s.db.QueryRowContext(ctx, `SELECT `+partnerFields+` FROM partners pa WHERE pa.email = $1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return Partner{}, ErrNotFound
	}
	if err != nil {
		return Partner{}, fmt.Errorf("find partner by email: %w", err)
	}
	return p, nil
}

// EnsurePartnerByEmail creates a minimal partner for email unless one exists.
// The insert is conditional on the email unique constraint, so concurrent
// calls converge on a single row.
func (s *PostgresStore) EnsurePartnerByEmail(ctx context.Context, grant IdentityGrant, email, name string) (Partner, error) {
	if err := grant.valid(); err != nil {
		return Partner{}, err
	}
	p, err := scanPartner(s.db.QueryRowContext(ctx, `
		INSERT INTO partners (name, email) VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING
		RETURNING id, name, email, avatar_url
	`, name, email))
	if err == nil {
		grant.audit("create", email)
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Partner{}, fmt.Errorf("insert partner: %w", err)
	}
	grant.audit("reuse", email)
	p, err = scanPartner(s.db.QueryRowContext(ctx, `SELECT `+partnerFields+` FROM partners pa WHERE pa.email = $1`, email))
	if err != nil {
		return Partner{}, fmt.Errorf("reload partner: %w", err)
	}
	return p, nil
}

// Projects

func scanProject(row scanner) (Project, error) {
	var (
		p                Project
		manager, creator sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Visibility, &manager, &creator, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Project{}, err
	}
	p.ManagerUserID = nullInt64(manager)
	p.CreatorUserID = nullInt64(creator)
	return p, nil
}

func (s *PostgresStore) FindProjects(ctx context.Context, caller Caller, q query.Query) ([]Project, int, error) {
	var projects []Project
	total, err := s.find(ctx, projectColumns, projectFrom, projectFields, query.All(projectReadFilter(caller), q.Filter), q, func(rows *sql.Rows) error {
		p, err := scanProject(rows)
		if err != nil {
			return fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("find projects: %w", err)
	}
	if err := s.hydrateProjects(ctx, s.db, projects); err != nil {
		return nil, 0, err
	}
	return projects, total, nil
}

func (s *PostgresStore) projectRow(ctx context.Context, q queryer, projectID int64) (Project, error) {
	p, err := scanProject(q.QueryRowContext(ctx, `SELECT `+projectFields+` FROM projects p WHERE p.id = $1`, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project %d: %w", projectID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID int64) (Project, error) {
	p, err := s.projectRow(ctx, s.db, projectID)
	if err != nil {
		return Project{}, err
	}
	projects := []Project{p}
	if err := s.hydrateProjects(ctx, s.db, projects); err != nil {
		return Project{}, err
	}
	return projects[0], nil
}

func (s *PostgresStore) hydrateProjects(ctx context.Context, q queryer, projects []Project) error {
	if len(projects) == 0 {
		return nil
	}
	projectIDs := make([]int64, 0, len(projects))
	var userIDs []int64
	for _, p := range projects {
		projectIDs = append(projectIDs, p.ID)
		if p.ManagerUserID != nil {
			userIDs = append(userIDs, *p.ManagerUserID)
		}
		if p.CreatorUserID != nil {
			userIDs = append(userIDs, *p.CreatorUserID)
		}
	}

	partners, err := s.partnersByUser(ctx, q, userIDs)
	if err != nil {
		return err
	}

	stages := make(map[int64][]Stage)
	rows, err := q.QueryContext(ctx, `
		SELECT ps.project_id, s.id, s.name, s.sequence, s.fold
		FROM project_stages ps JOIN stages s ON s.id = ps.stage_id
		WHERE ps.project_id = ANY($1)
		ORDER BY s.sequence, s.id
	`, projectIDs)
	if err != nil {
		return fmt.Errorf("load stages: %w", err)
	}
	for rows.Next() {
		var projectID int64
		var st Stage
		if err := rows.Scan(&projectID, &st.ID, &st.Name, &st.Sequence, &st.Fold); err != nil {
			rows.Close()
			return fmt.Errorf("scan stage: %w", err)
		}
		stages[projectID] = append(stages[projectID], st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load stages: %w", err)
	}

	tags := make(map[int64][]Tag)
	rows, err = q.QueryContext(ctx, `
		SELECT DISTINCT t.project_id, g.id, g.name, g.color
		FROM task_tags tt
		JOIN tasks t ON t.id = tt.task_id
		JOIN tags g ON g.id = tt.tag_id
		WHERE t.project_id = ANY($1)
		ORDER BY g.name, g.id
	`, projectIDs)
	if err != nil {
		return fmt.Errorf("load board tags: %w", err)
	}
	for rows.Next() {
		var projectID int64
		var tag Tag
		if err := rows.Scan(&projectID, &tag.ID, &tag.Name, &tag.Color); err != nil {
			rows.Close()
			return fmt.Errorf("scan tag: %w", err)
		}
		tags[projectID] = append(tags[projectID], tag)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load board tags: %w", err)
	}

	for i := range projects {
		p := &projects[i]
		if p.ManagerUserID != nil {
			if partner, ok := partners[*p.ManagerUserID]; ok {
				p.Manager = &partner
			}
		}
		if p.CreatorUserID != nil {
			if partner, ok := partners[*p.CreatorUserID]; ok {
				p.Creator = &partner
			}
		}
		p.Stages = stages[p.ID]
		p.Tags = tags[p.ID]
	}
	return nil
}

func (s *PostgresStore) CheckAccess(ctx context.Context, caller Caller, target Target, action rbac.Action) error {
	return checkAccess(caller, target, action, func(projectID int64) (Project, error) {
		return s.projectRow(ctx, s.db, projectID)
	})
}

func (s *PostgresStore) CreateProject(ctx context.Context, caller Caller, in ProjectInput) (Project, error) {
	var projectID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name, description, visibility, manager_user_id, creator_user_id)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`, in.Name, in.Description, in.Visibility, caller.UserID).Scan(&projectID)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, projectID)
}

func (s *PostgresStore) CreateStage(ctx context.Context, in StageInput) (Stage, error) {
	stage := Stage{Name: in.Name, Fold: in.Fold}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM projects WHERE id = $1 FOR UPDATE`, in.ProjectID); err != nil {
			return fmt.Errorf("lock project: %w", err)
		}
		if _, err := s.projectRow(ctx, tx, in.ProjectID); err != nil {
			return err
		}
		if in.Sequence != nil {
			stage.Sequence = *in.Sequence
		} else if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(s.sequence), 0) + 10
			FROM project_stages ps JOIN stages s ON s.id = ps.stage_id
			WHERE ps.project_id = $1
		`, in.ProjectID).Scan(&stage.Sequence); err != nil {
			return fmt.Errorf("next stage sequence: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO stages (name, sequence, fold) VALUES ($1, $2, $3) RETURNING id
		`, stage.Name, stage.Sequence, stage.Fold).Scan(&stage.ID); err != nil {
			return fmt.Errorf("insert stage: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_stages (project_id, stage_id) VALUES ($1, $2)`, in.ProjectID, stage.ID); err != nil {
			return fmt.Errorf("link stage: %w", err)
		}
		return nil
	})
	return stage, err
}

func (s *PostgresStore) CreateTag(ctx context.Context, name string, color int) (Tag, error) {
	tag := Tag{Name: name, Color: color}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (name, color) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET color = EXCLUDED.color
		RETURNING id
	`, name, color).Scan(&tag.ID)
	if err != nil {
		return Tag{}, fmt.Errorf("upsert tag: %w", err)
	}
	return tag, nil
}

// Tasks

func scanTask(row scanner) (Task, error) {
	var (
		t                                Task
		stage, assignee, creator, parent sql.NullInt64
		deadline                         sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &stage, &t.Name, &t.Description, &t.Priority, &deadline, &t.Sequence,
		&assignee, &creator, &parent, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	t.StageID = nullInt64(stage)
	t.AssigneeUserID = nullInt64(assignee)
	t.CreatorUserID = nullInt64(creator)
	t.ParentID = nullInt64(parent)
	if deadline.Valid {
		d := deadline.Time
		t.Deadline = &d
	}
	return t, nil
}

func (s *PostgresStore) FindTasks(ctx context.Context, caller Caller, q query.Query) ([]Task, int, error) {
	var tasks []Task
	total, err := s.find(ctx, taskColumns, taskFrom, taskFields, query.All(taskReadFilter(caller), q.Filter), q, func(rows *sql.Rows) error {
		t, err := scanTask(rows)
		if err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("find tasks: %w", err)
	}
	if err := s.hydrateTasks(ctx, s.db, tasks); err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (s *PostgresStore) CountTasks(ctx context.Context, caller Caller, filter query.Expr) (int, error) {
	total, err := s.count(ctx, taskColumns, taskFrom, query.All(taskReadFilter(caller), filter))
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) taskRow(ctx context.Context, q queryer, taskID int64, lock bool) (Task, error) {
	stmt := `SELECT ` + taskFields + ` FROM ` + taskFrom + ` WHERE t.id = $1`
	if lock {
		stmt += ` FOR UPDATE OF t`
	}
	t, err := scanTask(q.QueryRowContext(ctx, stmt, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %d: %w", taskID, err)
	}
	return t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID int64) (Task, error) {
	t, err := s.taskRow(ctx, s.db, taskID, false)
	if err != nil {
		return Task{}, err
	}
	tasks := []Task{t}
	if err := s.hydrateTasks(ctx, s.db, tasks); err != nil {
		return Task{}, err
	}
	return tasks[0], nil
}

func (s *PostgresStore) hydrateTasks(ctx context.Context, q queryer, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	taskIDs := make([]int64, 0, len(tasks))
	var assigneeIDs []int64
	for _, t := range tasks {
		taskIDs = append(taskIDs, t.ID)
		if t.AssigneeUserID != nil {
			assigneeIDs = append(assigneeIDs, *t.AssigneeUserID)
		}
	}

	assignees, err := s.partnersByUser(ctx, q, assigneeIDs)
	if err != nil {
		return err
	}

	followers := make(map[int64][]Partner)
	rows, err := q.QueryContext(ctx, `
		SELECT f.task_id, `+partnerFields+`
		FROM task_followers f JOIN partners pa ON pa.id = f.partner_id
		WHERE f.task_id = ANY($1)
		ORDER BY pa.id
	`, taskIDs)
	if err != nil {
		return fmt.Errorf("load followers: %w", err)
	}
	for rows.Next() {
		var (
			taskID int64
			p      Partner
			avatar sql.NullString
		)
		if err := rows.Scan(&taskID, &p.ID, &p.Name, &p.Email, &avatar); err != nil {
			rows.Close()
			return fmt.Errorf("scan follower: %w", err)
		}
		p.AvatarURL = nullString(avatar)
		followers[taskID] = append(followers[taskID], p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load followers: %w", err)
	}

	tagIDs, err := pairs(ctx, q, `SELECT task_id, tag_id FROM task_tags WHERE task_id = ANY($1) ORDER BY tag_id`, taskIDs)
	if err != nil {
		return fmt.Errorf("load task tags: %w", err)
	}
	childIDs, err := pairs(ctx, q, `SELECT parent_id, id FROM tasks WHERE parent_id = ANY($1) ORDER BY id`, taskIDs)
	if err != nil {
		return fmt.Errorf("load subtasks: %w", err)
	}

	for i := range tasks {
		t := &tasks[i]
		t.Assignees = nil
		if t.AssigneeUserID != nil {
			if partner, ok := assignees[*t.AssigneeUserID]; ok {
				t.Assignees = []Partner{partner}
			}
		}
		t.Followers = followers[t.ID]
		t.TagIDs = tagIDs[t.ID]
		t.ChildIDs = childIDs[t.ID]
	}
	return nil
}

// pairs groups (key, value) id rows by key.
func pairs(ctx context.Context, q queryer, stmt string, keys []int64) (map[int64][]int64, error) {
	rows, err := q.QueryContext(ctx, stmt, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]int64)
	for rows.Next() {
		var key, value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = append(out[key], value)
	}
	return out, rows.Err()
}

func (s *PostgresStore) validateStage(ctx context.Context, q queryer, projectID, stageID int64) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `
		SELECT s.name FROM project_stages ps JOIN stages s ON s.id = ps.stage_id
		WHERE ps.project_id = $1 AND ps.stage_id = $2
	`, projectID, stageID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("stage %d is not on board %d: %w", stageID, projectID, ErrInvalidReference)
	}
	if err != nil {
		return "", fmt.Errorf("check stage: %w", err)
	}
	return name, nil
}

func (s *PostgresStore) validateTags(ctx context.Context, q queryer, tagIDs []int64) error {
	unique := uniqueIDs(tagIDs)
	if len(unique) == 0 {
		return nil
	}
	var found int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags WHERE id = ANY($1)`, unique).Scan(&found); err != nil {
		return fmt.Errorf("check tags: %w", err)
	}
	if found != len(unique) {
		return fmt.Errorf("unknown tag: %w", ErrInvalidReference)
	}
	return nil
}

// assigneePartner returns the partner of userID, or ErrInvalidReference.
func (s *PostgresStore) assigneePartner(ctx context.Context, q queryer, userID int64) (Partner, error) {
	partners, err := s.partnersByUser(ctx, q, []int64{userID})
	if err != nil {
		return Partner{}, err
	}
	p, ok := partners[userID]
	if !ok {
		return Partner{}, fmt.Errorf("user %d: %w", userID, ErrInvalidReference)
	}
	return p, nil
}

func subscribe(ctx context.Context, q queryer, taskID int64, partnerIDs []int64) error {
	ids := uniqueIDs(partnerIDs)
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO task_followers (task_id, partner_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING
	`, taskID, ids); err != nil {
		return fmt.Errorf("subscribe followers: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, caller Caller, in TaskInput) (Task, error) {
	var taskID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.validateStage(ctx, tx, in.ProjectID, in.StageID); err != nil {
			return err
		}
		if in.ParentID != nil {
			parent, err := s.taskRow(ctx, tx, *in.ParentID, false)
			if errors.Is(err, ErrNotFound) || (err == nil && parent.ProjectID != in.ProjectID) {
				return fmt.Errorf("parent %d: %w", *in.ParentID, ErrInvalidReference)
			}
			if err != nil {
				return err
			}
		}
		if err := s.validateTags(ctx, tx, in.TagIDs); err != nil {
			return err
		}
		followers := []int64{}
		if caller.PartnerID != 0 {
			followers = append(followers, caller.PartnerID)
		}
		if in.AssigneeUserID != nil {
			p, err := s.assigneePartner(ctx, tx, *in.AssigneeUserID)
			if err != nil {
				return err
			}
			followers = append(followers, p.ID)
		}

		var sequence int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sequence) + 1, 0) FROM tasks WHERE project_id = $1 AND stage_id = $2
		`, in.ProjectID, in.StageID).Scan(&sequence); err != nil {
			return fmt.Errorf("next task sequence: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO tasks (project_id, stage_id, name, description, priority, deadline, sequence, assignee_user_id, creator_user_id, parent_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, in.ProjectID, in.StageID, in.Name, in.Description, in.Priority, nullableTime(in.Deadline), sequence,
			nullableInt64(in.AssigneeUserID), nullableInt64(callerUserID(caller)), nullableInt64(in.ParentID)).Scan(&taskID); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		if tags := uniqueIDs(in.TagIDs); len(tags) > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_tags (task_id, tag_id) SELECT $1, unnest($2::bigint[])
			`, taskID, tags); err != nil {
				return fmt.Errorf("attach tags: %w", err)
			}
		}
		return subscribe(ctx, tx, taskID, followers)
	})
	if err != nil {
		return Task{}, err
	}
	return s.GetTask(ctx, taskID)
}

type setList struct {
	sets []string
	args []any
}

func (l *setList) add(column string, value any) {
	l.args = append(l.args, value)
	l.sets = append(l.sets, column+" = $"+strconv.Itoa(len(l.args)))
}

// UpdateTask applies patch and records the change history as notifications
// in the same transaction.
func (s *PostgresStore) UpdateTask(ctx context.Context, caller Caller, taskID int64, patch TaskPatch) (Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := s.taskRow(ctx, tx, taskID, true)
		if err != nil {
			return err
		}

		var (
			updates  setList
			changes  taskChanges
			followUp []int64
		)

		if patch.StageID != nil && !sameID(old.StageID, patch.StageID) {
			newName, err := s.validateStage(ctx, tx, old.ProjectID, *patch.StageID)
			if err != nil {
				return err
			}
			oldName := ""
			if old.StageID != nil {
				if err := tx.QueryRowContext(ctx, `SELECT name FROM stages WHERE id = $1`, *old.StageID).Scan(&oldName); err != nil {
					return fmt.Errorf("load previous stage: %w", err)
				}
			}
			updates.add("stage_id", *patch.StageID)
			changes.stage = &TrackingValue{Field: "stage_id", OldValue: &oldName, NewValue: &newName}
		}

		newAssignee := old.AssigneeUserID
		if patch.ClearAssignee {
			newAssignee = nil
		} else if patch.AssigneeUserID != nil {
			newAssignee = patch.AssigneeUserID
		}
		if !sameID(old.AssigneeUserID, newAssignee) {
			tracking := TrackingValue{Field: "assignee_user_id"}
			if old.AssigneeUserID != nil {
				if p, err := s.assigneePartner(ctx, tx, *old.AssigneeUserID); err == nil {
					tracking.OldValue = &p.Name
				}
			}
			if newAssignee != nil {
				p, err := s.assigneePartner(ctx, tx, *newAssignee)
				if err != nil {
					return err
				}
				tracking.NewValue = &p.Name
				followUp = append(followUp, p.ID)
			}
			updates.add("assignee_user_id", nullableInt64(newAssignee))
			changes.assignment = &tracking
		}

		if patch.Name != nil && *patch.Name != old.Name {
			updates.add("name", *patch.Name)
			changes.track("name", old.Name, *patch.Name)
		}
		if patch.Description != nil && *patch.Description != old.Description {
			updates.add("description", *patch.Description)
			changes.track("description", old.Description, *patch.Description)
		}
		if patch.Priority != nil && *patch.Priority != old.Priority {
			updates.add("priority", *patch.Priority)
			changes.track("priority", old.Priority, *patch.Priority)
		}
		newDeadline := old.Deadline
		if patch.ClearDeadline {
			newDeadline = nil
		} else if patch.Deadline != nil {
			newDeadline = patch.Deadline
		}
		if formatDate(old.Deadline) != formatDate(newDeadline) {
			updates.add("deadline", nullableTime(newDeadline))
			changes.track("deadline", formatDate(old.Deadline), formatDate(newDeadline))
		}
		if patch.Sequence != nil && *patch.Sequence != old.Sequence {
			updates.add("sequence", *patch.Sequence)
		}

		tagsChanged := false
		if patch.TagIDs != nil {
			if err := s.validateTags(ctx, tx, *patch.TagIDs); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_tags WHERE task_id = $1`, taskID); err != nil {
				return fmt.Errorf("clear tags: %w", err)
			}
			if tags := uniqueIDs(*patch.TagIDs); len(tags) > 0 {
				if _, err := tx.ExecContext(ctx, `INSERT INTO task_tags (task_id, tag_id) SELECT $1, unnest($2::bigint[])`, taskID, tags); err != nil {
					return fmt.Errorf("attach tags: %w", err)
				}
			}
			tagsChanged = true
		}

		if len(updates.sets) == 0 && !tagsChanged {
			return nil
		}
		updates.sets = append(updates.sets, "updated_at = NOW()")
		updates.args = append(updates.args, taskID)
		stmt := `UPDATE tasks SET ` + strings.Join(updates.sets, ", ") + ` WHERE id = $` + strconv.Itoa(len(updates.args))
		if _, err := tx.ExecContext(ctx, stmt, updates.args...); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		for _, msg := range changes.messages(taskID) {
			if _, err := s.insertMessage(ctx, tx, caller, msg.input, msg.tracking); err != nil {
				return err
			}
		}
		return subscribe(ctx, tx, taskID, followUp)
	})
	if err != nil {
		return Task{}, err
	}
	return s.GetTask(ctx, taskID)
}

// Messages

func (s *PostgresStore) insertMessage(ctx context.Context, q queryer, caller Caller, in MessageInput, tracking []TrackingValue) (int64, error) {
	var messageID int64
	if err := q.QueryRowContext(ctx, `
		INSERT INTO messages (task_id, message_type, subtype_code, subtype_name, body, author_partner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, in.TaskID, in.MessageType, in.Subtype.Code, in.Subtype.Name, in.Body, nullableInt64(callerPartnerID(caller))).Scan(&messageID); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if ids := uniqueIDs(in.NotifyPartnerIDs); len(ids) > 0 {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO message_partners (message_id, partner_id) SELECT $1, unnest($2::bigint[])
			ON CONFLICT DO NOTHING
		`, messageID, ids); err != nil {
			return 0, fmt.Errorf("link notified partners: %w", err)
		}
	}
	for _, tv := range tracking {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO message_tracking (message_id, field, old_value, new_value) VALUES ($1, $2, $3, $4)
		`, messageID, tv.Field, nullableString(tv.OldValue), nullableString(tv.NewValue)); err != nil {
			return 0, fmt.Errorf("insert tracking: %w", err)
		}
	}
	return messageID, nil
}

func (s *PostgresStore) PostMessage(ctx context.Context, caller Caller, in MessageInput) (Message, error) {
	var messageID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.taskRow(ctx, tx, in.TaskID, false); err != nil {
			return err
		}
		id, err := s.insertMessage(ctx, tx, caller, in, nil)
		messageID = id
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return s.GetMessage(ctx, messageID)
}

func (s *PostgresStore) SubscribeFollowers(ctx context.Context, taskID int64, partnerIDs []int64) error {
	return subscribe(ctx, s.db, taskID, partnerIDs)
}

func scanMessage(row scanner) (Message, error) {
	var (
		m          Message
		code, name string
		author     sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.TaskID, &m.MessageType, &code, &name, &m.Body, &author, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	if code != "" || name != "" {
		m.Subtype = &Subtype{Code: code, Name: name}
	}
	m.AuthorPartnerID = nullInt64(author)
	return m, nil
}

func (s *PostgresStore) FindMessages(ctx context.Context, caller Caller, q query.Query) ([]Message, int, error) {
	var messages []Message
	total, err := s.find(ctx, messageColumns, messageFrom, messageFields, query.All(taskReadFilter(caller), q.Filter), q, func(rows *sql.Rows) error {
		m, err := scanMessage(rows)
		if err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("find messages: %w", err)
	}
	if err := s.hydrateMessages(ctx, s.db, messages); err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageFields+` FROM messages m WHERE m.id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %d: %w", messageID, err)
	}
	messages := []Message{m}
	if err := s.hydrateMessages(ctx, s.db, messages); err != nil {
		return Message{}, err
	}
	return messages[0], nil
}

func (s *PostgresStore) hydrateMessages(ctx context.Context, q queryer, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	messageIDs := make([]int64, 0, len(messages))
	var authorIDs []int64
	for _, m := range messages {
		messageIDs = append(messageIDs, m.ID)
		if m.AuthorPartnerID != nil {
			authorIDs = append(authorIDs, *m.AuthorPartnerID)
		}
	}
	authors, err := s.partnersByID(ctx, q, authorIDs)
	if err != nil {
		return err
	}

	notified := make(map[int64][]Partner)
	rows, err := q.QueryContext(ctx, `
		SELECT mp.message_id, `+partnerFields+`
		FROM message_partners mp JOIN partners pa ON pa.id = mp.partner_id
		WHERE mp.message_id = ANY($1)
		ORDER BY pa.id
	`, messageIDs)
	if err != nil {
		return fmt.Errorf("load notified partners: %w", err)
	}
	for rows.Next() {
		var (
			messageID int64
			p         Partner
			avatar    sql.NullString
		)
		if err := rows.Scan(&messageID, &p.ID, &p.Name, &p.Email, &avatar); err != nil {
			rows.Close()
			return fmt.Errorf("scan notified partner: %w", err)
		}
		p.AvatarURL = nullString(avatar)
		notified[messageID] = append(notified[messageID], p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load notified partners: %w", err)
	}

	tracking := make(map[int64][]TrackingValue)
	rows, err = q.QueryContext(ctx, `
		SELECT message_id, field, old_value, new_value FROM message_tracking
		WHERE message_id = ANY($1) ORDER BY id
	`, messageIDs)
	if err != nil {
		return fmt.Errorf("load tracking: %w", err)
	}
	for rows.Next() {
		var (
			messageID          int64
			tv                 TrackingValue
			oldValue, newValue sql.NullString
		)
		if err := rows.Scan(&messageID, &tv.Field, &oldValue, &newValue); err != nil {
			rows.Close()
			return fmt.Errorf("scan tracking: %w", err)
		}
		tv.OldValue = nullString(oldValue)
		tv.NewValue = nullString(newValue)
		tracking[messageID] = append(tracking[messageID], tv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load tracking: %w", err)
	}

	for i := range messages {
		m := &messages[i]
		if m.AuthorPartnerID != nil {
			if author, ok := authors[*m.AuthorPartnerID]; ok {
				m.Author = &author
			}
		}
		m.Partners = notified[m.ID]
		m.Tracking = tracking[m.ID]
	}
	return nil
}
