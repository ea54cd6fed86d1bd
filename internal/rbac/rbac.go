// Package rbac decides what a principal may do with a template based
// on the template's owner scope.
package rbac

import "statehouse/api/internal/store"

func isMember(p store.Principal, orgID int) bool {
	for _, id := range p.OrgIDs {
		if id == orgID {
			return true
		}
	}
	return false
}

// CanUseTemplate reports whether the principal may clone environments
// from the template. Global templates are usable by everyone;
// organization and user templates only by their owners.
func CanUseTemplate(p store.Principal, tpl store.TemplateEnvironment) bool {
	if p.IsPlatformAdmin {
		return true
	}
	switch tpl.OwnerScope {
	case store.ScopeGlobal:
		return true
	case store.ScopeOrg:
		return tpl.OwnerOrgID != nil && isMember(p, *tpl.OwnerOrgID)
	case store.ScopeUser:
		return tpl.OwnerUserID != nil && *tpl.OwnerUserID == p.UserID
	default:
		return false
	}
}

// CanManageTemplate reports whether the principal may snapshot or
// otherwise administer the template. Stricter than use: global
// templates are managed by platform admins only, organization
// templates by that organization's admins.
func CanManageTemplate(p store.Principal, tpl store.TemplateEnvironment) bool {
	if p.IsPlatformAdmin {
		return true
	}
	switch tpl.OwnerScope {
	case store.ScopeOrg:
		return tpl.OwnerOrgID != nil && p.IsOrganizationAdmin && isMember(p, *tpl.OwnerOrgID)
	case store.ScopeUser:
		return tpl.OwnerUserID != nil && *tpl.OwnerUserID == p.UserID
	default:
		return false
	}
}
