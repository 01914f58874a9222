package middleware

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestExtractUserRolePrefersPrivilegedRole(t *testing.T) {
	claims := jwt.MapClaims{"roles": []interface{}{"student", "Teacher"}}
	require.Equal(t, RoleInstructor, extractUserRoleFromClaims(claims))

	claims = jwt.MapClaims{"role": "instructor", "roles": []interface{}{"administrator"}}
	require.Equal(t, RoleAdmin, extractUserRoleFromClaims(claims))

	require.Empty(t, extractUserRoleFromClaims(jwt.MapClaims{}))
}

func TestExtractUserIDFromClaims(t *testing.T) {
	id := extractUserIDFromClaims(jwt.MapClaims{"sub": "42"})
	require.NotNil(t, id)
	require.Equal(t, uint(42), *id)

	id = extractUserIDFromClaims(jwt.MapClaims{"user_id": float64(9)})
	require.NotNil(t, id)
	require.Equal(t, uint(9), *id)

	require.Nil(t, extractUserIDFromClaims(jwt.MapClaims{"sub": "alice"}))
}
