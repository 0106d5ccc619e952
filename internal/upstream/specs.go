package upstream

import "github.com/framara/what-the-meta-backend/internal/domain"

// SpecInfo is the class and combat role of one specialization
type SpecInfo struct {
	ClassID int
	Role    domain.Role
}

// specs maps playable specialization ids onto their class and role
var specs = map[int]SpecInfo{
	// Warrior
	71: {1, domain.RoleDPS}, 72: {1, domain.RoleDPS}, 73: {1, domain.RoleTank},
	// Paladin
	65: {2, domain.RoleHealer}, 66: {2, domain.RoleTank}, 70: {2, domain.RoleDPS},
	// Hunter
	253: {3, domain.RoleDPS}, 254: {3, domain.RoleDPS}, 255: {3, domain.RoleDPS},
	// Rogue
	259: {4, domain.RoleDPS}, 260: {4, domain.RoleDPS}, 261: {4, domain.RoleDPS},
	// Priest
	256: {5, domain.RoleHealer}, 257: {5, domain.RoleHealer}, 258: {5, domain.RoleDPS},
	// Death Knight
	250: {6, domain.RoleTank}, 251: {6, domain.RoleDPS}, 252: {6, domain.RoleDPS},
	// Shaman
	262: {7, domain.RoleDPS}, 263: {7, domain.RoleDPS}, 264: {7, domain.RoleHealer},
	// Mage
	62: {8, domain.RoleDPS}, 63: {8, domain.RoleDPS}, 64: {8, domain.RoleDPS},
	// Warlock
	265: {9, domain.RoleDPS}, 266: {9, domain.RoleDPS}, 267: {9, domain.RoleDPS},
	// Monk
	268: {10, domain.RoleTank}, 269: {10, domain.RoleDPS}, 270: {10, domain.RoleHealer},
	// Druid
	102: {11, domain.RoleDPS}, 103: {11, domain.RoleDPS}, 104: {11, domain.RoleTank}, 105: {11, domain.RoleHealer},
	// Demon Hunter
	577: {12, domain.RoleDPS}, 581: {12, domain.RoleTank},
	// Evoker
	1467: {13, domain.RoleDPS}, 1468: {13, domain.RoleHealer}, 1473: {13, domain.RoleDPS},
}

// LookupSpec returns class and role for a specialization id
func LookupSpec(specID int) (SpecInfo, bool) {
	info, ok := specs[specID]
	return info, ok
}
