package cctx

type ContextKey string

var (
	SessionID ContextKey = "pc:sid"
)
