package rbac

import (
	"context"
	"maps"
	"sort"
	"sync"
)

type memoryRepo struct {
	txMu      sync.Mutex
	companies map[int64]bool
	users     map[int64]bool
	roles     map[int64]Role
	members   map[int64]Membership
	nextID    int64
	finds     int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		companies: make(map[int64]bool),
		users:     make(map[int64]bool),
		roles:     make(map[int64]Role),
		members:   make(map[int64]Membership),
	}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) addCompany() int64 {
	id := r.id()
	r.companies[id] = true
	return id
}

func (r *memoryRepo) addUser() int64 {
	id := r.id()
	r.users[id] = true
	return id
}

func (r *memoryRepo) addRole(role Role) Role {
	role.ID = r.id()
	r.roles[role.ID] = role
	return role
}

func (r *memoryRepo) addMember(userID, companyID int64, role *Role, status MembershipStatus) Membership {
	m := Membership{ID: r.id(), UserID: userID, CompanyID: companyID, Status: status}
	if role != nil {
		id := role.ID
		m.RoleID = &id
	}
	r.members[m.ID] = m
	return m
}

// WithTx snapshots state and restores it when fn fails.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	roles := maps.Clone(r.roles)
	members := maps.Clone(r.members)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.roles = roles
		r.members = members
		return err
	}
	return nil
}

func (r *memoryRepo) withRole(m Membership) Membership {
	m.Role = nil
	if m.RoleID != nil {
		if role, ok := r.roles[*m.RoleID]; ok {
			role.Permissions = append([]Permission(nil), role.Permissions...)
			m.Role = &role
		}
	}
	return m
}

func (r *memoryRepo) FindMembership(ctx context.Context, userID, companyID int64) (*Membership, error) {
	r.finds++
	for _, m := range r.members {
		if m.UserID == userID && m.CompanyID == companyID {
			out := r.withRole(m)
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memoryRepo) CompanyExists(ctx context.Context, companyID int64) (bool, error) {
	return r.companies[companyID], nil
}

func (r *memoryRepo) UserExists(ctx context.Context, userID int64) (bool, error) {
	return r.users[userID], nil
}

func (r *memoryRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := r.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (r *memoryRepo) ListRoles(ctx context.Context, companyID int64) ([]Role, error) {
	var out []Role
	for _, role := range r.roles {
		if role.CompanyID == companyID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryRepo) ListMembers(ctx context.Context, companyID int64) ([]Membership, error) {
	var out []Membership
	for _, m := range r.members {
		if m.CompanyID == companyID {
			out = append(out, r.withRole(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) ActiveMemberships(ctx context.Context, userID int64) ([]Membership, error) {
	var out []Membership
	for _, m := range r.members {
		if m.UserID == userID && m.Status == MembershipActive {
			out = append(out, r.withRole(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memoryTx) CreateRole(ctx context.Context, role Role) (Role, error) {
	for _, existing := range tx.repo.roles {
		if existing.CompanyID == role.CompanyID && existing.Name == role.Name {
			return Role{}, ErrDuplicate
		}
	}
	return tx.repo.addRole(role), nil
}

func (tx *memoryTx) ReplaceRolePermissions(ctx context.Context, roleID int64, perms []Permission) error {
	role, ok := tx.repo.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	role.Permissions = append([]Permission(nil), perms...)
	tx.repo.roles[roleID] = role
	return nil
}

func (tx *memoryTx) UpdateRoleFlags(ctx context.Context, role Role) error {
	existing, ok := tx.repo.roles[role.ID]
	if !ok {
		return ErrNotFound
	}
	role.Permissions = existing.Permissions
	tx.repo.roles[role.ID] = role
	return nil
}

func (tx *memoryTx) LockRole(ctx context.Context, id int64) (Role, error) {
	return tx.repo.GetRole(ctx, id)
}

func (tx *memoryTx) LockAdminRoles(ctx context.Context, companyID int64) ([]int64, error) {
	var ids []int64
	for _, role := range tx.repo.roles {
		if role.CompanyID == companyID && role.IsAdmin {
			ids = append(ids, role.ID)
		}
	}
	return ids, nil
}

func (tx *memoryTx) CountActiveMembershipsForRole(ctx context.Context, roleID int64) (int, error) {
	n := 0
	for _, m := range tx.repo.members {
		if m.RoleID != nil && *m.RoleID == roleID && m.Status == MembershipActive {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) DeleteRole(ctx context.Context, id int64) error {
	if _, ok := tx.repo.roles[id]; !ok {
		return ErrNotFound
	}
	delete(tx.repo.roles, id)
	for mid, m := range tx.repo.members {
		if m.RoleID != nil && *m.RoleID == id {
			m.RoleID = nil
			tx.repo.members[mid] = m
		}
	}
	return nil
}

func (tx *memoryTx) CreateMembership(ctx context.Context, m Membership) (Membership, error) {
	for _, existing := range tx.repo.members {
		if existing.UserID == m.UserID && existing.CompanyID == m.CompanyID {
			return Membership{}, ErrDuplicate
		}
	}
	m.ID = tx.repo.id()
	m.Role = nil
	tx.repo.members[m.ID] = m
	return m, nil
}

func (tx *memoryTx) LockMembership(ctx context.Context, id int64) (Membership, error) {
	m, ok := tx.repo.members[id]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return m, nil
}

func (tx *memoryTx) LockMembershipByToken(ctx context.Context, token string) (Membership, error) {
	for _, m := range tx.repo.members {
		if m.InvitationToken != "" && m.InvitationToken == token {
			return m, nil
		}
	}
	return Membership{}, ErrNotFound
}

func (tx *memoryTx) UpdateMembership(ctx context.Context, m Membership) error {
	if _, ok := tx.repo.members[m.ID]; !ok {
		return ErrNotFound
	}
	m.Role = nil
	tx.repo.members[m.ID] = m
	return nil
}

type memoryProfiles struct {
	last     map[int64]int64
	inactive map[int64]bool
}

func newMemoryProfiles() *memoryProfiles {
	return &memoryProfiles{last: make(map[int64]int64), inactive: make(map[int64]bool)}
}

func (p *memoryProfiles) LastCompany(ctx context.Context, userID int64) (int64, error) {
	return p.last[userID], nil
}

func (p *memoryProfiles) SetLastCompany(ctx context.Context, userID, companyID int64) error {
	p.last[userID] = companyID
	return nil
}

func (p *memoryProfiles) AccountActive(ctx context.Context, userID int64) (bool, error) {
	return !p.inactive[userID], nil
}

type countingInvalidator struct {
	bumps map[int64]int
}

func (c *countingInvalidator) Bump(ctx context.Context, companyID int64) error {
	if c.bumps == nil {
		c.bumps = make(map[int64]int)
	}
	c.bumps[companyID]++
	return nil
}
