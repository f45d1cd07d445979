// Package permissions decides which chat members may steer moderation.
package permissions

import api "github.com/OvyFlash/telegram-bot-api"

func IsManager(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	if member.IsCreator() {
		return true
	}
	return member.IsAdministrator() && (member.CanManageChat || member.CanPromoteMembers)
}

// CanOverrideVote reports whether the member may force a ban or pardon on a
// running vote.
func CanOverrideVote(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	if IsManager(member) {
		return true
	}
	return member.IsAdministrator() && member.CanRestrictMembers
}

// CanManageHashes reports whether the member may register reference images.
func CanManageHashes(member *api.ChatMember) bool {
	return CanOverrideVote(member)
}

// IsModerationTarget reports whether a member can be voted on at all.
// Administrators and bots are exempt.
func IsModerationTarget(member *api.ChatMember) bool {
	if member == nil {
		return true
	}
	if member.IsCreator() || member.IsAdministrator() {
		return false
	}
	return member.User == nil || !member.User.IsBot
}
