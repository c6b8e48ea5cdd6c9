// Package accesscore is the access control core that protects authentication
// endpoints: fixed-window rate limiting with block escalation, session
// lifecycle management with a per-user concurrent-session cap, IP blocking,
// and per-user-type security policy validation.
//
// The SecurityService façade is the single entry point. An authentication
// handler calls CheckRateLimit before attempting credential verification,
// then CreateSession on success; role or permission changes call
// InvalidateSessionsOnRoleChange to cascade through the session store.
//
// The core is single-process and in-memory by default. Every store checks
// expiry lazily on read and a background janitor reclaims expired records
// eagerly; both use the same injected clock and the same expiry fields, so
// the two mechanisms always agree. An optional Redis backend
// (storage/redisstore) keeps sessions across restarts.
//
// Basic usage:
//
//	svc, err := accesscore.New(accesscore.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//
//	res := svc.CheckRateLimit(ctx, clientIP, security.ActionLogin, security.UserTypeCustomer, clientIP, userAgent)
//	if !res.Allowed {
//		// surface HTTP 429 with res.ResetAt
//	}
package accesscore
