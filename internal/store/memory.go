package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskboard/api/internal/query"
	"taskboard/api/internal/rbac"
)

// MemoryStore is an in-process Project Store with the same semantics as
// PostgresStore. A single mutex serialises every operation, so each call is
// atomic.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time
	seq int64

	partners       map[int64]Partner
	partnerByEmail map[string]int64
	users          map[int64]User
	projects       map[int64]Project
	projectStages  map[int64][]int64
	stages         map[int64]Stage
	tags           map[int64]Tag
	tasks          map[int64]Task
	followers      map[int64]map[int64]struct{}
	messages       map[int64]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:            func() time.Time { return time.Now().UTC() },
		partners:       make(map[int64]Partner),
		partnerByEmail: make(map[string]int64),
		users:          make(map[int64]User),
		projects:       make(map[int64]Project),
		projectStages:  make(map[int64][]int64),
		stages:         make(map[int64]Stage),
		tags:           make(map[int64]Tag),
		tasks:          make(map[int64]Task),
		followers:      make(map[int64]map[int64]struct{}),
		messages:       make(map[int64]Message),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

// Records exposed to query.Match.

type projectRecord struct{ p Project }

func (r projectRecord) Field(name string) (any, bool) {
	switch name {
	case "id":
		return r.p.ID, true
	case "name":
		return r.p.Name, true
	case "visibility":
		return r.p.Visibility, true
	case "manager_user_id":
		return r.p.ManagerUserID, true
	case "creator_user_id":
		return r.p.CreatorUserID, true
	case "created_at":
		return r.p.CreatedAt, true
	case "updated_at":
		return r.p.UpdatedAt, true
	}
	return nil, false
}

type taskRecord struct {
	t                 Task
	p                 Project
	assigneePartnerID *int64
	assigneeEmail     *string
}

func (r taskRecord) Field(name string) (any, bool) {
	switch name {
	case "id":
		return r.t.ID, true
	case "project_id":
		return r.t.ProjectID, true
	case "stage_id":
		return r.t.StageID, true
	case "name":
		return r.t.Name, true
	case "description":
		return r.t.Description, true
	case "priority":
		return r.t.Priority, true
	case "deadline":
		return r.t.Deadline, true
	case "sequence":
		return r.t.Sequence, true
	case "parent_id":
		return r.t.ParentID, true
	case "assignee_user_id":
		return r.t.AssigneeUserID, true
	case "assignee_partner_id":
		return r.assigneePartnerID, true
	case "assignee_email":
		return r.assigneeEmail, true
	case "tag_ids":
		return r.t.TagIDs, true
	case "created_at":
		return r.t.CreatedAt, true
	case "updated_at":
		return r.t.UpdatedAt, true
	case "project_visibility":
		return r.p.Visibility, true
	case "project_manager_user_id":
		return r.p.ManagerUserID, true
	}
	return nil, false
}

type messageRecord struct {
	m Message
	t Task
	p Project
}

func (r messageRecord) Field(name string) (any, bool) {
	switch name {
	case "id":
		return r.m.ID, true
	case "task_id":
		return r.m.TaskID, true
	case "message_type":
		return r.m.MessageType, true
	case "subtype_code":
		if r.m.Subtype == nil {
			return "", true
		}
		return r.m.Subtype.Code, true
	case "subtype_name":
		if r.m.Subtype == nil {
			return "", true
		}
		return r.m.Subtype.Name, true
	case "created_at":
		return r.m.CreatedAt, true
	case "assignee_user_id":
		return r.t.AssigneeUserID, true
	case "project_visibility":
		return r.p.Visibility, true
	case "project_manager_user_id":
		return r.p.ManagerUserID, true
	}
	return nil, false
}

// Users and partners

func (s *MemoryStore) UserByID(_ context.Context, userID int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) UserByPartner(_ context.Context, partnerID int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.PartnerID == partnerID {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) UserByLogin(_ context.Context, login string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Login == login {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) CreateUser(_ context.Context, in UserInput) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Login == in.Login {
			return User{}, fmt.Errorf("insert user %s: %w", in.Login, ErrConflict)
		}
	}

	var partner Partner
	if id, ok := s.partnerByEmail[in.Email]; ok && in.Email != "" {
		partner = s.partners[id]
		partner.Name = in.Name
		for _, user := range s.users {
			if user.PartnerID == id {
				return User{}, fmt.Errorf("insert user %s: %w", in.Login, ErrConflict)
			}
		}
	} else {
		partner = Partner{ID: s.nextID(), Name: in.Name, Email: in.Email}
		if in.Email != "" {
			s.partnerByEmail[in.Email] = partner.ID
		}
	}
	s.partners[partner.ID] = partner

	user := User{ID: s.nextID(), PartnerID: partner.ID, Login: in.Login, Role: string(rbac.Normalize(in.Role))}
	s.users[user.ID] = user
	return user, nil
}

func (s *MemoryStore) partnerOfUser(userID *int64) (Partner, bool) {
	if userID == nil {
		return Partner{}, false
	}
	user, ok := s.users[*userID]
	if !ok {
		return Partner{}, false
	}
	p, ok := s.partners[user.PartnerID]
	return p, ok
}

// Identity directory

func (s *MemoryStore) FindPartnerByEmail(_ context.Context, grant IdentityGrant, email string) (Partner, error) {
	if err := grant.valid(); err != nil {
		return Partner{}, err
	}
	grant.audit("lookup", email)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.partnerByEmail[email]
	if !ok {
		return Partner{}, ErrNotFound
	}
	return s.partners[id], nil
}

func (s *MemoryStore) EnsurePartnerByEmail(_ context.Context, grant IdentityGrant, email, name string) (Partner, error) {
	if err := grant.valid(); err != nil {
		return Partner{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.partnerByEmail[email]; ok {
		grant.audit("reuse", email)
		return s.partners[id], nil
	}
	partner := Partner{ID: s.nextID(), Name: name, Email: email}
	s.partners[partner.ID] = partner
	s.partnerByEmail[email] = partner.ID
	grant.audit("create", email)
	return partner, nil
}

// Projects

func (s *MemoryStore) hydrateProject(p Project) Project {
	if partner, ok := s.partnerOfUser(p.ManagerUserID); ok {
		p.Manager = &partner
	}
	if partner, ok := s.partnerOfUser(p.CreatorUserID); ok {
		p.Creator = &partner
	}

	p.Stages = nil
	for _, id := range s.projectStages[p.ID] {
		p.Stages = append(p.Stages, s.stages[id])
	}
	sort.SliceStable(p.Stages, func(i, j int) bool {
		if p.Stages[i].Sequence != p.Stages[j].Sequence {
			return p.Stages[i].Sequence < p.Stages[j].Sequence
		}
		return p.Stages[i].ID < p.Stages[j].ID
	})

	used := make(map[int64]struct{})
	for _, t := range s.tasks {
		if t.ProjectID != p.ID {
			continue
		}
		for _, id := range t.TagIDs {
			used[id] = struct{}{}
		}
	}
	p.Tags = nil
	for id := range used {
		p.Tags = append(p.Tags, s.tags[id])
	}
	sort.Slice(p.Tags, func(i, j int) bool {
		if p.Tags[i].Name != p.Tags[j].Name {
			return p.Tags[i].Name < p.Tags[j].Name
		}
		return p.Tags[i].ID < p.Tags[j].ID
	})
	return p
}

func (s *MemoryStore) FindProjects(_ context.Context, caller Caller, q query.Query) ([]Project, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := query.All(projectReadFilter(caller), q.Filter)
	var matched []projectRecord
	for _, p := range s.projects {
		rec := projectRecord{p: p}
		if query.Match(filter, rec) {
			matched = append(matched, rec)
		}
	}
	query.Sort(matched, q.Order)
	window := query.Window(matched, q.Offset, q.Limit)
	out := make([]Project, 0, len(window))
	for _, rec := range window {
		out = append(out, s.hydrateProject(rec.p))
	}
	return out, len(matched), nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID int64) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return s.hydrateProject(p), nil
}

func (s *MemoryStore) CheckAccess(_ context.Context, caller Caller, target Target, action rbac.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return checkAccess(caller, target, action, func(projectID int64) (Project, error) {
		p, ok := s.projects[projectID]
		if !ok {
			return Project{}, ErrNotFound
		}
		return p, nil
	})
}

func (s *MemoryStore) CreateProject(_ context.Context, caller Caller, in ProjectInput) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	p := Project{
		ID:            s.nextID(),
		Name:          in.Name,
		Description:   in.Description,
		Visibility:    in.Visibility,
		ManagerUserID: callerUserID(caller),
		CreatorUserID: callerUserID(caller),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.projects[p.ID] = p
	return s.hydrateProject(p), nil
}

func (s *MemoryStore) CreateStage(_ context.Context, in StageInput) (Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[in.ProjectID]; !ok {
		return Stage{}, ErrNotFound
	}
	stage := Stage{ID: s.nextID(), Name: in.Name, Fold: in.Fold}
	if in.Sequence != nil {
		stage.Sequence = *in.Sequence
	} else {
		highest := 0
		for i, id := range s.projectStages[in.ProjectID] {
			if seq := s.stages[id].Sequence; i == 0 || seq > highest {
				highest = seq
			}
		}
		stage.Sequence = highest + 10
	}
	s.stages[stage.ID] = stage
	s.projectStages[in.ProjectID] = append(s.projectStages[in.ProjectID], stage.ID)
	return stage, nil
}

func (s *MemoryStore) CreateTag(_ context.Context, name string, color int) (Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tag := range s.tags {
		if tag.Name == name {
			tag.Color = color
			s.tags[id] = tag
			return tag, nil
		}
	}
	tag := Tag{ID: s.nextID(), Name: name, Color: color}
	s.tags[tag.ID] = tag
	return tag, nil
}

// Tasks

func (s *MemoryStore) hydrateTask(t Task) Task {
	t.Assignees = nil
	if partner, ok := s.partnerOfUser(t.AssigneeUserID); ok {
		t.Assignees = []Partner{partner}
	}
	t.Followers = nil
	for id := range s.followers[t.ID] {
		t.Followers = append(t.Followers, s.partners[id])
	}
	sort.Slice(t.Followers, func(i, j int) bool { return t.Followers[i].ID < t.Followers[j].ID })
	t.TagIDs = uniqueIDs(t.TagIDs)
	t.ChildIDs = nil
	for _, child := range s.tasks {
		if child.ParentID != nil && *child.ParentID == t.ID {
			t.ChildIDs = append(t.ChildIDs, child.ID)
		}
	}
	sort.Slice(t.ChildIDs, func(i, j int) bool { return t.ChildIDs[i] < t.ChildIDs[j] })
	return t
}

func (s *MemoryStore) taskRecord(t Task) taskRecord {
	rec := taskRecord{t: t, p: s.projects[t.ProjectID]}
	if partner, ok := s.partnerOfUser(t.AssigneeUserID); ok {
		id, email := partner.ID, partner.Email
		rec.assigneePartnerID = &id
		rec.assigneeEmail = &email
	}
	return rec
}

func (s *MemoryStore) matchTasks(caller Caller, filter query.Expr) []taskRecord {
	filter = query.All(taskReadFilter(caller), filter)
	var matched []taskRecord
	for _, t := range s.tasks {
		rec := s.taskRecord(t)
		if query.Match(filter, rec) {
			matched = append(matched, rec)
		}
	}
	return matched
}

func (s *MemoryStore) FindTasks(_ context.Context, caller Caller, q query.Query) ([]Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.matchTasks(caller, q.Filter)
	query.Sort(matched, q.Order)
	window := query.Window(matched, q.Offset, q.Limit)
	out := make([]Task, 0, len(window))
	for _, rec := range window {
		out = append(out, s.hydrateTask(rec.t))
	}
	return out, len(matched), nil
}

func (s *MemoryStore) CountTasks(_ context.Context, caller Caller, filter query.Expr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matchTasks(caller, filter)), nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return s.hydrateTask(t), nil
}

func (s *MemoryStore) stageOnBoard(projectID, stageID int64) (Stage, error) {
	for _, id := range s.projectStages[projectID] {
		if id == stageID {
			return s.stages[id], nil
		}
	}
	return Stage{}, fmt.Errorf("stage %d is not on board %d: %w", stageID, projectID, ErrInvalidReference)
}

func (s *MemoryStore) checkTags(tagIDs []int64) error {
	for _, id := range tagIDs {
		if _, ok := s.tags[id]; !ok {
			return fmt.Errorf("tag %d: %w", id, ErrInvalidReference)
		}
	}
	return nil
}

func (s *MemoryStore) subscribe(taskID int64, partnerIDs []int64) {
	set, ok := s.followers[taskID]
	if !ok {
		set = make(map[int64]struct{})
		s.followers[taskID] = set
	}
	for _, id := range partnerIDs {
		if _, known := s.partners[id]; known {
			set[id] = struct{}{}
		}
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, caller Caller, in TaskInput) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[in.ProjectID]; !ok {
		return Task{}, ErrNotFound
	}
	if _, err := s.stageOnBoard(in.ProjectID, in.StageID); err != nil {
		return Task{}, err
	}
	if in.ParentID != nil {
		parent, ok := s.tasks[*in.ParentID]
		if !ok || parent.ProjectID != in.ProjectID {
			return Task{}, fmt.Errorf("parent %d: %w", *in.ParentID, ErrInvalidReference)
		}
	}
	if err := s.checkTags(in.TagIDs); err != nil {
		return Task{}, err
	}
	followers := []int64{}
	if caller.PartnerID != 0 {
		followers = append(followers, caller.PartnerID)
	}
	if in.AssigneeUserID != nil {
		partner, ok := s.partnerOfUser(in.AssigneeUserID)
		if !ok {
			return Task{}, fmt.Errorf("user %d: %w", *in.AssigneeUserID, ErrInvalidReference)
		}
		followers = append(followers, partner.ID)
	}

	sequence := 0
	for _, t := range s.tasks {
		if t.ProjectID == in.ProjectID && t.StageID != nil && *t.StageID == in.StageID && t.Sequence >= sequence {
			sequence = t.Sequence + 1
		}
	}
	stageID := in.StageID
	now := s.now()
	t := Task{
		ID:             s.nextID(),
		ProjectID:      in.ProjectID,
		StageID:        &stageID,
		Name:           in.Name,
		Description:    in.Description,
		Priority:       in.Priority,
		Deadline:       in.Deadline,
		Sequence:       sequence,
		AssigneeUserID: in.AssigneeUserID,
		CreatorUserID:  callerUserID(caller),
		TagIDs:         uniqueIDs(in.TagIDs),
		ParentID:       in.ParentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.tasks[t.ID] = t
	s.subscribe(t.ID, followers)
	return s.hydrateTask(t), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, caller Caller, taskID int64, patch TaskPatch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	t := old
	var (
		changes  taskChanges
		followUp []int64
		touched  bool
	)

	if patch.StageID != nil && !sameID(old.StageID, patch.StageID) {
		next, err := s.stageOnBoard(old.ProjectID, *patch.StageID)
		if err != nil {
			return Task{}, err
		}
		oldName := ""
		if old.StageID != nil {
			oldName = s.stages[*old.StageID].Name
		}
		stageID := next.ID
		t.StageID = &stageID
		changes.stage = &TrackingValue{Field: "stage_id", OldValue: &oldName, NewValue: &next.Name}
		touched = true
	}

	newAssignee := old.AssigneeUserID
	if patch.ClearAssignee {
		newAssignee = nil
	} else if patch.AssigneeUserID != nil {
		newAssignee = patch.AssigneeUserID
	}
	if !sameID(old.AssigneeUserID, newAssignee) {
		tracking := TrackingValue{Field: "assignee_user_id"}
		if partner, ok := s.partnerOfUser(old.AssigneeUserID); ok {
			tracking.OldValue = &partner.Name
		}
		if newAssignee != nil {
			partner, ok := s.partnerOfUser(newAssignee)
			if !ok {
				return Task{}, fmt.Errorf("user %d: %w", *newAssignee, ErrInvalidReference)
			}
			tracking.NewValue = &partner.Name
			followUp = append(followUp, partner.ID)
		}
		t.AssigneeUserID = newAssignee
		changes.assignment = &tracking
		touched = true
	}

	if patch.Name != nil && *patch.Name != old.Name {
		t.Name = *patch.Name
		changes.track("name", old.Name, t.Name)
	}
	if patch.Description != nil && *patch.Description != old.Description {
		t.Description = *patch.Description
		changes.track("description", old.Description, t.Description)
	}
	if patch.Priority != nil && *patch.Priority != old.Priority {
		t.Priority = *patch.Priority
		changes.track("priority", old.Priority, t.Priority)
	}
	if patch.ClearDeadline {
		t.Deadline = nil
	} else if patch.Deadline != nil {
		t.Deadline = patch.Deadline
	}
	if formatDate(old.Deadline) != formatDate(t.Deadline) {
		changes.track("deadline", formatDate(old.Deadline), formatDate(t.Deadline))
	}
	if patch.Sequence != nil && *patch.Sequence != old.Sequence {
		t.Sequence = *patch.Sequence
		touched = true
	}
	if patch.TagIDs != nil {
		if err := s.checkTags(*patch.TagIDs); err != nil {
			return Task{}, err
		}
		t.TagIDs = uniqueIDs(*patch.TagIDs)
		touched = true
	}

	if !touched && len(changes.fields) == 0 {
		return s.hydrateTask(old), nil
	}
	t.UpdatedAt = s.now()
	s.tasks[taskID] = t
	for _, msg := range changes.messages(taskID) {
		s.insertMessage(caller, msg.input, msg.tracking)
	}
	s.subscribe(taskID, followUp)
	return s.hydrateTask(t), nil
}

// Messages

func (s *MemoryStore) insertMessage(caller Caller, in MessageInput, tracking []TrackingValue) Message {
	m := Message{
		ID:              s.nextID(),
		TaskID:          in.TaskID,
		MessageType:     in.MessageType,
		Body:            in.Body,
		AuthorPartnerID: callerPartnerID(caller),
		Tracking:        tracking,
		CreatedAt:       s.now(),
	}
	if in.Subtype.Code != "" || in.Subtype.Name != "" {
		subtype := in.Subtype
		m.Subtype = &subtype
	}
	for _, id := range uniqueIDs(in.NotifyPartnerIDs) {
		if p, ok := s.partners[id]; ok {
			m.Partners = append(m.Partners, p)
		}
	}
	s.messages[m.ID] = m
	return m
}

func (s *MemoryStore) hydrateMessage(m Message) Message {
	m.Author = nil
	if m.AuthorPartnerID != nil {
		if p, ok := s.partners[*m.AuthorPartnerID]; ok {
			m.Author = &p
		}
	}
	partners := make([]Partner, 0, len(m.Partners))
	for _, p := range m.Partners {
		partners = append(partners, s.partners[p.ID])
	}
	m.Partners = partners
	return m
}

func (s *MemoryStore) PostMessage(_ context.Context, caller Caller, in MessageInput) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[in.TaskID]; !ok {
		return Message{}, ErrNotFound
	}
	return s.hydrateMessage(s.insertMessage(caller, in, nil)), nil
}

func (s *MemoryStore) SubscribeFollowers(_ context.Context, taskID int64, partnerIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	s.subscribe(taskID, partnerIDs)
	return nil
}

func (s *MemoryStore) FindMessages(_ context.Context, caller Caller, q query.Query) ([]Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := query.All(taskReadFilter(caller), q.Filter)
	var matched []messageRecord
	for _, m := range s.messages {
		t := s.tasks[m.TaskID]
		rec := messageRecord{m: m, t: t, p: s.projects[t.ProjectID]}
		if query.Match(filter, rec) {
			matched = append(matched, rec)
		}
	}
	query.Sort(matched, q.Order)
	window := query.Window(matched, q.Offset, q.Limit)
	out := make([]Message, 0, len(window))
	for _, rec := range window {
		out = append(out, s.hydrateMessage(rec.m))
	}
	return out, len(matched), nil
}
