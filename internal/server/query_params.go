package server

import (
	"errors"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

// pathID parses a snowflake path parameter, aborting with a validation error.
func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		AbortWithError(c, newValidationError(name, "invalid_"+strings.ToLower(name), "invalid "+name))
		return 0, false
	}
	return *id, true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
