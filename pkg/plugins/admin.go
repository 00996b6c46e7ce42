package plugins

import (
	"context"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/middleware"
)

const DefaultDenyMessage = "对不起，您没有执行此命令的权限。"

// AdminSet is a fixed set of administrator user ids.
type AdminSet map[int64]struct{}

func NewAdminSet(ids []int64) AdminSet {
	set := make(AdminSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s AdminSet) Contains(userID int64) bool {
	_, ok := s[userID]
	return ok
}

func (s AdminSet) IDs() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// AdminOnly answers deny to commands from non-admins instead of running the
// wrapped handler.
func AdminOnly(admins AdminSet, deny string) middleware.Middleware[Command, string] {
	if deny == "" {
		deny = DefaultDenyMessage
	}
	return func(next middleware.Func[Command, string]) middleware.Func[Command, string] {
		return func(ctx context.Context, cmd Command) (string, error) {
			var userID int64
			if cmd.Event != nil {
				userID = cmd.Event.UserID
			}
			if !admins.Contains(userID) {
				logger.InfoCF("plugins", "Admin command denied", map[string]interface{}{
					"command": cmd.Name,
					"user_id": userID,
				})
				return deny, nil
			}
			return next(ctx, cmd)
		}
	}
}
