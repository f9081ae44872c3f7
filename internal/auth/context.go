package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxSubjectID ctxKey = iota
	ctxDisplayID
	ctxRole
)

func WithIdentity(ctx context.Context, subjectID, displayID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxSubjectID, subjectID)
	ctx = context.WithValue(ctx, ctxDisplayID, displayID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func SubjectID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxSubjectID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("subject_id not in context")
}

func DisplayID(ctx context.Context) string {
	v := ctx.Value(ctxDisplayID)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
