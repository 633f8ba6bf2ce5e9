package rbac

import "sort"

var (
	allResources = []Resource{
		ResourceProjects,
		ResourceExpenses,
		ResourceContractors,
		ResourceReports,
		ResourceUsers,
		ResourceCompany,
		ResourceBilling,
	}
	allActions = []Action{
		ActionView,
		ActionCreate,
		ActionEdit,
		ActionDelete,
		ActionApprove,
		ActionExport,
	}

	validResources = toSet(allResources)
	validActions   = toSet(allActions)
)

func toSet[T comparable](items []T) map[T]bool {
	set := make(map[T]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// Resources returns the resource catalog in display order.
func Resources() []Resource {
	return append([]Resource(nil), allResources...)
}

// Actions returns the action catalog in display order.
func Actions() []Action {
	return append([]Action(nil), allActions...)
}

// AllPermissions returns every (resource, action) tuple in the catalog.
func AllPermissions() []Permission {
	perms := make([]Permission, 0, len(allResources)*len(allActions))
	for _, r := range allResources {
		for _, a := range allActions {
			perms = append(perms, Perm(r, a))
		}
	}
	return perms
}

// RoleTemplate describes a role seeded into every newly provisioned company.
type RoleTemplate struct {
	Name         string
	Description  string
	IsAdmin      bool
	IsSupervisor bool
	IsTeamMember bool
	Permissions  []Permission
}

const (
	AdminRoleName      = "Company Admin"
	SupervisorRoleName = "Supervisor"
	EmployeeRoleName   = "Employee"
)

// DefaultRoleTemplates returns the admin, supervisor and employee templates.
// The admin template is always first.
func DefaultRoleTemplates() []RoleTemplate {
	var supervisor []Permission
	for _, r := range allResources {
		supervisor = append(supervisor, Perm(r, ActionView), Perm(r, ActionExport))
	}
	var employee []Permission
	for _, r := range []Resource{ResourceProjects, ResourceExpenses, ResourceContractors} {
		employee = append(employee, Perm(r, ActionView), Perm(r, ActionCreate), Perm(r, ActionEdit))
	}
	return []RoleTemplate{
		{
			Name:        AdminRoleName,
			Description: "Full administrative access to company",
			IsAdmin:     true,
			Permissions: AllPermissions(),
		},
		{
			Name:         SupervisorRoleName,
			Description:  "Supervisory access with approval rights",
			IsSupervisor: true,
			Permissions:  supervisor,
		},
		{
			Name:         EmployeeRoleName,
			Description:  "Basic employee access",
			IsTeamMember: true,
			Permissions:  employee,
		},
	}
}

// Role builds an unsaved Role for company from the template.
func (t RoleTemplate) Role(companyID int64) Role {
	return Role{
		CompanyID:    companyID,
		Name:         t.Name,
		Description:  t.Description,
		IsAdmin:      t.IsAdmin,
		IsSupervisor: t.IsSupervisor,
		IsTeamMember: t.IsTeamMember,
		Permissions:  append([]Permission(nil), t.Permissions...),
	}
}

// normalizePermissions validates, dedupes and sorts perms.
func normalizePermissions(perms []Permission) ([]Permission, error) {
	seen := make(map[Permission]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if !p.Valid() {
			return nil, invalidPermission(p)
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
