package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"taskboard/api/db"
	"taskboard/api/internal/query"
	"taskboard/api/internal/rbac"
)

type testStore interface {
	CreateUser(ctx context.Context, in UserInput) (User, error)
	FindPartnerByEmail(ctx context.Context, grant IdentityGrant, email string) (Partner, error)
	EnsurePartnerByEmail(ctx context.Context, grant IdentityGrant, email, name string) (Partner, error)
	FindProjects(ctx context.Context, caller Caller, q query.Query) ([]Project, int, error)
	GetProject(ctx context.Context, projectID int64) (Project, error)
	CheckAccess(ctx context.Context, caller Caller, target Target, action rbac.Action) error
	CreateProject(ctx context.Context, caller Caller, in ProjectInput) (Project, error)
	CreateStage(ctx context.Context, in StageInput) (Stage, error)
	CreateTag(ctx context.Context, name string, color int) (Tag, error)
	FindTasks(ctx context.Context, caller Caller, q query.Query) ([]Task, int, error)
	CountTasks(ctx context.Context, caller Caller, filter query.Expr) (int, error)
	GetTask(ctx context.Context, taskID int64) (Task, error)
	CreateTask(ctx context.Context, caller Caller, in TaskInput) (Task, error)
	UpdateTask(ctx context.Context, caller Caller, taskID int64, patch TaskPatch) (Task, error)
	PostMessage(ctx context.Context, caller Caller, in MessageInput) (Message, error)
	FindMessages(ctx context.Context, caller Caller, q query.Query) ([]Message, int, error)
	SubscribeFollowers(ctx context.Context, taskID int64, partnerIDs []int64) error
}

// forEachStore runs fn against the memory store, and against Postgres when
// TASKBOARD_TEST_DATABASE_URL is set.
func forEachStore(t *testing.T, fn func(t *testing.T, s testStore)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	dsn := strings.TrimSpace(os.Getenv("TASKBOARD_TEST_DATABASE_URL"))
	if dsn == "" || testing.Short() {
		return
	}
	t.Run("postgres", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		if _, err := conn.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
		if _, err := ApplyMigrations(ctx, conn, db.Migrations, "migrations"); err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		fn(t, NewPostgresStore(conn))
	})
}

type fixture struct {
	admin, alice, bob, carol Caller
}

func callerOf(u User) Caller {
	return Caller{UserID: u.ID, PartnerID: u.PartnerID, Role: rbac.Role(u.Role)}
}

func newFixture(t *testing.T, s testStore) fixture {
	t.Helper()
	ctx := context.Background()
	mk := func(login, name, email, role string) Caller {
		u, err := s.CreateUser(ctx, UserInput{Login: login, Name: name, Email: email, Role: role})
		if err != nil {
			t.Fatalf("create user %s: %v", login, err)
		}
		return callerOf(u)
	}
	return fixture{
		admin: mk("admin", "Admin", "admin@example.com", "admin"),
		alice: mk("alice", "Alice Doe", "alice@example.com", "contributor"),
		bob:   mk("bob", "Bob Roe", "bob@example.com", "viewer"),
		carol: mk("carol", "Carol Poe", "carol@example.com", "contributor"),
	}
}

func mustProject(t *testing.T, s testStore, caller Caller, name, visibility string) Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), caller, ProjectInput{Name: name, Visibility: visibility})
	if err != nil {
		t.Fatalf("create project %s: %v", name, err)
	}
	return p
}

func mustStage(t *testing.T, s testStore, projectID int64, name string) Stage {
	t.Helper()
	stage, err := s.CreateStage(context.Background(), StageInput{ProjectID: projectID, Name: name})
	if err != nil {
		t.Fatalf("create stage %s: %v", name, err)
	}
	return stage
}

func mustTask(t *testing.T, s testStore, caller Caller, in TaskInput) Task {
	t.Helper()
	if in.Priority == "" {
		in.Priority = "1"
	}
	task, err := s.CreateTask(context.Background(), caller, in)
	if err != nil {
		t.Fatalf("create task %s: %v", in.Name, err)
	}
	return task
}

func byID() query.Query {
	return query.Query{Order: []query.Order{query.Asc("id")}}
}

func TestCreateUserRejectsDuplicateLogin(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		if _, err := s.CreateUser(ctx, UserInput{Login: "dup", Name: "Dup", Email: "dup@example.com"}); err != nil {
			t.Fatalf("create user: %v", err)
		}
		_, err := s.CreateUser(ctx, UserInput{Login: "dup", Name: "Dup", Email: "other@example.com"})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})
}

func TestFindProjectsAppliesVisibility(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		f := newFixture(t, s)
		mustProject(t, s, f.alice, "Secret", rbac.VisibilityPrivate)
		mustProject(t, s, f.alice, "Team", rbac.VisibilityTeam)
		mustProject(t, s, f.alice, "Open", rbac.VisibilityPublic)

		cases := []struct {
			name   string
			caller Caller
			want   []string
		}{
			{name: "manager sees own private board", caller: f.alice, want: []string{"Secret", "Team", "Open"}},
			{name: "admin sees everything", caller: f.admin, want: []string{"Secret", "Team", "Open"}},
			{name: "contributor sees team and public", caller: f.carol, want: []string{"Team", "Open"}},
			{name: "viewer sees public only", caller: f.bob, want: []string{"Open"}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				projects, total, err := s.FindProjects(context.Background(), tc.caller, byID())
				if err != nil {
					t.Fatalf("find projects: %v", err)
				}
				if total != len(tc.want) {
					t.Fatalf("expected total %d, got %d", len(tc.want), total)
				}
				for i, p := range projects {
					if p.Name != tc.want[i] {
						t.Fatalf("expected %s at %d, got %s", tc.want[i], i, p.Name)
					}
				}
			})
		}
	})
}

func TestFindProjectsWindowKeepsTotal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		f := newFixture(t, s)
		for _, name := range []string{"A", "B", "C"} {
			mustProject(t, s, f.alice, name, rbac.VisibilityPublic)
		}
		q := byID()
		q.Offset, q.Limit = 1, 1
		projects, total, err := s.FindProjects(context.Background(), f.bob, q)
		if err != nil {
			t.Fatalf("find projects: %v", err)
		}
		if total != 3 || len(projects) != 1 || projects[0].Name != "B" {
			t.Fatalf("unexpected window: total=%d projects=%+v", total, projects)
		}
	})
}

func TestCheckAccess(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		f := newFixture(t, s)
		secret := mustProject(t, s, f.alice, "Secret", rbac.VisibilityPrivate)
		team := mustProject(t, s, f.alice, "Team", rbac.VisibilityTeam)
		open := mustProject(t, s, f.alice, "Open", rbac.VisibilityPublic)
		stage := mustStage(t, s, secret.ID, "Todo")
		assigned := mustTask(t, s, f.alice, TaskInput{ProjectID: secret.ID, StageID: stage.ID, Name: "For Bob", AssigneeUserID: &f.bob.UserID})

		cases := []struct {
			name   string
			caller Caller
			target Target
			action rbac.Action
			denied bool
		}{
			{name: "viewer reads public", caller: f.bob, target: open, action: rbac.ActionRead},
			{name: "viewer cannot write public", caller: f.bob, target: open, action: rbac.ActionWrite, denied: true},
			{name: "contributor writes team", caller: f.carol, target: team, action: rbac.ActionWrite},
			{name: "contributor cannot read private", caller: f.carol, target: secret, action: rbac.ActionRead, denied: true},
			{name: "manager administers", caller: f.alice, target: secret, action: rbac.ActionAdmin},
			{name: "admin administers", caller: f.admin, target: secret, action: rbac.ActionAdmin},
			{name: "assignee writes card", caller: f.bob, target: assigned, action: rbac.ActionWrite},
			{name: "other contributor cannot read card", caller: f.carol, target: assigned, action: rbac.ActionRead, denied: true},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				err := s.CheckAccess(context.Background(), tc.caller, tc.target, tc.action)
				if tc.denied && !errors.Is(err, ErrAccessDenied) {
					t.Fatalf("expected ErrAccessDenied, got %v", err)
				}
				if !tc.denied && err != nil {
					t.Fatalf("expected access, got %v", err)
				}
			})
		}
	})
}

func TestCreateStageOrdersAfterExisting(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		f := newFixture(t, s)
		p := mustProject(t, s, f.alice, "Board", rbac.VisibilityTeam)
		first := 5
		if _, err := s.CreateStage(context.Background(), StageInput{ProjectID: p.ID, Name: "Done", Sequence: &first}); err != nil {
			t.Fatalf("create stage: %v", err)
		}
		zero := 0
		if _, err := s.CreateStage(context.Background(), StageInput{ProjectID: p.ID, Name: "Todo", Sequence: &zero}); err != nil {
			t.Fatalf("create stage: %v", err)
		}
		last := mustStage(t, s, p.ID, "Archive")
		if last.Sequence != 15 {
			t.Fatalf("expected sequence 15, got %d", last.Sequence)
		}

		got, err := s.GetProject(context.Background(), p.ID)
		if err != nil {
			t.Fatalf("get project: %v", err)
		}
		var names []string
		for _, stage := range got.Stages {
			names = append(names, stage.Name)
		}
		if strings.Join(names, ",") != "Todo,Done,Archive" {
			t.Fatalf("unexpected stage order %v", names)
		}
	})
}

func TestCreateTaskRejectsInvalidReferences(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		f := newFixture(t, s)
		board := mustProject(t, s, f.alice, "Board", rbac.VisibilityTeam)
		other := mustProject(t, s, f.alice, "Other", rbac.VisibilityTeam)
		stage := mustStage(t, s, board.ID, "Todo")
		foreignStage := mustStage(t, s, other.ID, "Todo")
		foreignTask := mustTask(t, s, f.alice, TaskInput{ProjectID: other.ID, StageID: foreignStage.ID, Name: "Elsewhere"})
		missing := int64(999999)

		cases := []struct {
			name string
			in   TaskInput
		}{
			{name: "stage of another board", in: TaskInput{ProjectID: board.ID, StageID: foreignStage.ID, Name: "x", Priority: "1"}},
			{name: "unknown tag", in: TaskInput{ProjectID: board.ID, StageID: stage.ID, Name: "x", Priority: "1", TagIDs: []int64{missing}}},
			{name: "parent on another board", in: TaskInput{ProjectID: board.ID, StageID: stage.ID, Name: "x", Priority: "1", ParentID: &foreignTask.ID}},
			{name: "unknown assignee", in: TaskInput{ProjectID: board.ID, StageID: stage.ID, Name: "x", Priority: "1", AssigneeUserID: &missing}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := s.CreateTask(context.Background(), f.alice, tc.in)
				if !errors.Is(err, ErrInvalidReference) {
					t.Fatalf("expected ErrInvalidReference, got %v", err)
				}
			})
		}
	})
}

func TestCreateTaskRelations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		f := newFixture(t, s)
		board := mustProject(t, s, f.alice, "Board", rbac.VisibilityTeam)
		stage := mustStage(t, s, board.ID, "Todo")
		tag, err := s.CreateTag(ctx, "backend", 3)
		if err != nil {
			t.Fatalf("create tag: %v", err)
		}
		if _, err := s.CreateTag(ctx, "unused", 4); err != nil {
			t.Fatalf("create tag: %v", err)
		}

		parent := mustTask(t, s, f.alice, TaskInput{ProjectID: board.ID, StageID: stage.ID, Name: "Parent"})
		child := mustTask(t, s, f.alice, TaskInput{
			ProjectID:      board.ID,
			StageID:        stage.ID,
			Name:           "Child",
			AssigneeUserID: &f.carol.UserID,
			TagIDs:         []int64{tag.ID, tag.ID},
			ParentID:       &parent.ID,
		})

		if child.Sequence != parent.Sequence+1 {
			t.Fatalf("expected sequence after parent, got %d and %d", parent.Sequence, child.Sequence)
		}
		if len(child.TagIDs) != 1 || child.TagIDs[0] != tag.ID {
			t.Fatalf("expected single tag, got %v", child.TagIDs)
		}
		if len(child.Assignees) != 1 || child.Assignees[0].Name != "Carol Poe" {
			t.Fatalf("unexpected assignees %+v", child.Assignees)
		}
		if len(child.Followers) != 2 {
			t.Fatalf("expected creator and assignee as followers, got %+v", child.Followers)
		}

		got, err := s.GetTask(ctx, parent.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if len(got.ChildIDs) != 1 || got.ChildIDs[0] != child.ID {
			t.Fatalf("expected child ids [%d], got %v", child.ID, got.ChildIDs)
		}

		project, err := s.GetProject(ctx, board.ID)
		if err != nil {
			t.Fatalf("get project: %v", err)
		}
		if len(project.Tags) != 1 || project.Tags[0].Name != "backend" {
			t.Fatalf("expected only tags used by cards, got %+v", project.Tags)
		}
		if project.Manager == nil || project.Manager.Name != "Alice Doe" {
			t.Fatalf("expected Alice as manager, got %+v", project.Manager)
		}
	})
}

func TestFindTasksFiltersAndCounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		f := newFixture(t, s)
		board := mustProject(t, s, f.alice, "Board", rbac.VisibilityTeam)
		todo := mustStage(t, s, board.ID, "Todo")
		done := mustStage(t, s, board.ID, "Done")
		tag, err := s.CreateTag(ctx, "ops", 1)
		if err != nil {
			t.Fatalf("create tag: %v", err)
		}
		mustTask(t, s, f.alice, TaskInput{ProjectID: board.ID, StageID: todo.ID, Name: "Deploy API", TagIDs: []int64{tag.ID}})
		mustTask(t, s, f.alice, TaskInput{ProjectID: board.ID, StageID: todo.ID, Name: "Write docs", AssigneeUserID: &f.carol.UserID})
		mustTask(t, s, f.alice, TaskInput{ProjectID: board.ID, StageID: done.ID, Name: "Deploy web", TagIDs: []int64{tag.ID}})

		onBoard := query.Eq("project_id", board.ID)
		cases := []struct {
			name   string
			filter query.Expr
			want   int
		}{
			{name: "board", filter: onBoard, want: 3},
			{name: "stage", filter: query.All(onBoard, query.Eq("stage_id", todo.ID)), want: 2},
			{name: "tag", filter: query.All(onBoard, query.Where("tag_ids", query.OpHas, tag.ID)), want: 2},
			{name: "text", filter: query.All(onBoard, query.Where("name", query.OpContains, "deploy")), want: 2},
			{name: "owner email", filter: query.All(onBoard, query.Eq("assignee_email", "carol@example.com")), want: 1},
			{name: "owner partner", filter: query.All(onBoard, query.Eq("assignee_partner_id", f.carol.PartnerID)), want: 1},
			{name: "no match", filter: query.All(onBoard, query.Eq("stage_id", int64(-1))), want: 0},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				count, err := s.CountTasks(ctx, f.carol, tc.filter)
				if err != nil {
					t.Fatalf("count tasks: %v", err)
				}
				if count != tc.want {
					t.Fatalf("expected %d, got %d", tc.want, count)
				}
			})
		}

		tasks, total, err := s.FindTasks(ctx, f.carol, query.Query{
			Filter: onBoard,
			Order:  []query.Order{query.Asc("sequence"), query.Asc("id")},
			Limit:  2,
		})
		if err != nil {
			t.Fatalf("find tasks: %v", err)
		}
		if total != 3 || len(tasks) != 2 {
			t.Fatalf("expected 2 of 3, got %d of %d", len(tasks), total)
		}

		hidden, err := s.CountTasks(ctx, f.bob, onBoard)
		if err != nil {
			t.Fatalf("count tasks: %v", err)
		}
		if hidden != 0 {
			t.Fatalf("viewer should not see team cards, got %d", hidden)
		}
	})
}

func TestUpdateTaskRecordsHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		f := newFixture(t, s)
		board := mustProject(t, s, f.alice, "Board", rbac.VisibilityTeam)
		todo := mustStage(t, s, board.ID, "Todo")
		doing := mustStage(t, s, board.ID, "Doing")
		task := mustTask(t, s, f.alice, TaskInput{ProjectID: board.ID, StageID: todo.ID, Name: "Ship"})

		name := "Ship it"
		updated, err := s.UpdateTask(ctx, f.alice, task.ID, TaskPatch{
			Name:           &name,
			StageID:        &doing.ID,
			AssigneeUserID: &f.carol.UserID,
		})
		if err != nil {
			t.Fatalf("update task: %v", err)
		}
		if updated.Name != name || updated.StageID == nil || *updated.StageID != doing.ID {
			t.Fatalf("patch not applied: %+v", updated)
		}
		followsCarol := false
		for _, p := range updated.Followers {
			if p.ID == f.carol.PartnerID {
				followsCarol = true
			}
		}
		if !followsCarol {
			t.Fatalf("new assignee should follow the card, got %+v", updated.Followers)
		}

		messages, total, err := s.FindMessages(ctx, f.alice, query.Query{
			Filter: query.Eq("task_id", task.ID),
			Order:  []query.Order{query.Asc("id")},
		})
		if err != nil {
			t.Fatalf("find messages: %v", err)
		}
		if total != 3 {
			t.Fatalf("expected 3 notifications, got %d", total)
		}
		wantCodes := []string{SubtypeStageChange, SubtypeAssignment, SubtypeFieldUpdate}
		for i, m := range messages {
			if m.MessageType != MessageTypeNotification || m.Subtype == nil || m.Subtype.Code != wantCodes[i] {
				t.Fatalf("message %d: unexpected %+v", i, m)
			}
			if m.Author == nil || m.Author.ID != f.alice.PartnerID {
				t.Fatalf("message %d: expected Alice as author, got %+v", i, m.Author)
			}
		}
		stage := messages[0].Tracking
		if len(stage) != 1 || *stage[0].OldValue != "Todo" || *stage[0].NewValue != "Doing" {
			t.Fatalf("unexpected stage tracking %+v", stage)
		}
		fields := messages[2].Tracking
		if len(fields) != 1 || fields[0].Field != "name" || *fields[0].NewValue != name {
			t.Fatalf("unexpected field tracking %+v", fields)
		}

		if _, err := s.UpdateTask(ctx, f.alice, task.ID, TaskPatch{Name: &name}); err != nil {
			t.Fatalf("no-op update: %v", err)
		}
		_, total, err = s.FindMessages(ctx, f.alice, query.Query{Filter: query.Eq("task_id", task.ID)})
		if err != nil {
			t.Fatalf("find messages: %v", err)
		}
		if total != 3 {
			t.Fatalf("unchanged values must not add history, got %d messages", total)
		}
	})
}

func TestPostMessageAndVisibility(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		f := newFixture(t, s)
		board := mustProject(t, s, f.alice, "Secret", rbac.VisibilityPrivate)
		stage := mustStage(t, s, board.ID, "Todo")
		task := mustTask(t, s, f.alice, TaskInput{ProjectID: board.ID, StageID: stage.ID, Name: "Hidden"})

		msg, err := s.PostMessage(ctx, f.alice, MessageInput{
			TaskID:           task.ID,
			MessageType:      MessageTypeComment,
			Subtype:          CommentSubtype(),
			Body:             "ping @carol@example.com",
			NotifyPartnerIDs: []int64{f.carol.PartnerID, f.carol.PartnerID},
		})
		if err != nil {
			t.Fatalf("post message: %v", err)
		}
		if len(msg.Partners) != 1 || msg.Partners[0].Email != "carol@example.com" {
			t.Fatalf("unexpected notified partners %+v", msg.Partners)
		}
		if _, err := s.PostMessage(ctx, f.alice, MessageInput{TaskID: 999999, MessageType: MessageTypeComment}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown task, got %v", err)
		}

		_, total, err := s.FindMessages(ctx, f.carol, query.Query{Filter: query.Eq("task_id", task.ID)})
		if err != nil {
			t.Fatalf("find messages: %v", err)
		}
		if total != 0 {
			t.Fatalf("contributor must not see messages on a private board, got %d", total)
		}

		if err := s.SubscribeFollowers(ctx, task.ID, []int64{f.carol.PartnerID}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := s.SubscribeFollowers(ctx, task.ID, []int64{f.carol.PartnerID}); err != nil {
			t.Fatalf("subscribe twice: %v", err)
		}
		got, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if len(got.Followers) != 2 {
			t.Fatalf("expected creator and Carol as followers, got %+v", got.Followers)
		}
	})
}

func TestIdentityDirectory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		f := newFixture(t, s)

		if _, err := s.FindPartnerByEmail(ctx, IdentityGrant{}, "alice@example.com"); !errors.Is(err, ErrInvalidGrant) {
			t.Fatalf("expected ErrInvalidGrant, got %v", err)
		}
		if _, err := s.EnsurePartnerByEmail(ctx, IdentityGrant{}, "x@example.com", "X"); !errors.Is(err, ErrInvalidGrant) {
			t.Fatalf("expected ErrInvalidGrant, got %v", err)
		}

		grant := GrantIdentityResolution(f.alice, "test")
		found, err := s.FindPartnerByEmail(ctx, grant, "carol@example.com")
		if err != nil || found.ID != f.carol.PartnerID {
			t.Fatalf("expected Carol's partner, got %+v (%v)", found, err)
		}
		if _, err := s.FindPartnerByEmail(ctx, grant, "CAROL@example.com"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("email match must be case-sensitive, got %v", err)
		}

		const workers = 8
		ids := make([]int64, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := s.EnsurePartnerByEmail(ctx, grant, "new.person@example.com", "New Person")
				if err != nil {
					t.Errorf("ensure partner: %v", err)
					return
				}
				ids[i] = p.ID
			}(i)
		}
		wg.Wait()
		for _, id := range ids[1:] {
			if id != ids[0] {
				t.Fatalf("concurrent resolution created distinct partners: %v", ids)
			}
		}

		user, err := s.CreateUser(ctx, UserInput{Login: "newperson", Name: "New Person", Email: "new.person@example.com"})
		if err != nil {
			t.Fatalf("create user: %v", err)
		}
		if user.PartnerID != ids[0] {
			t.Fatalf("registration should adopt the mentioned partner %d, got %d", ids[0], user.PartnerID)
		}
	})
}
