package middleware

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/errutil"
)

const RoleAdmin = "admin"

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// NewEnforcer builds the in-memory RBAC policy for the admin surface. Users
// listed in LICENSING.ADMIN_USER_IDS hold the admin role.
func NewEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	if _, err := e.AddPolicy(RoleAdmin, "/v1/admin/*", "(GET)|(PATCH)"); err != nil {
		return nil, err
	}

	for _, id := range cfg.Licensing.AdminUserIDs {
		if _, err := e.AddRoleForUser(id, RoleAdmin); err != nil {
			return nil, err
		}
	}

	zap.L().Info("admin policy loaded", zap.Int("admins", len(cfg.Licensing.AdminUserIDs)))
	return e, nil
}

// Authorize checks the caller set by Identity against the policy for the
// matched route.
func Authorize(e *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c.Request.Context())

		ok, err := e.Enforce(userID, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			_ = c.Error(errutil.Internal("failed to evaluate policy", err))
			c.Abort()
			return
		}
		if !ok {
			_ = c.Error(errutil.Forbidden("admin role required", nil))
			c.Abort()
			return
		}

		c.Next()
	}
}
