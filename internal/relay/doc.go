// Package relay is the out-of-band drop-box for invite and answer codes.
//
// Server keeps, per group hash, the latest published invite and a bounded
// queue of answer codes. HTTPClient implements domain.AnswerRelay against
// it. Codes are opaque to both sides: manual invites and answers are sealed
// under the group key before they are posted, so the relay never sees
// negotiation data in clear.
//
// HTTP API
//
//	POST /invite/{group}   {"code": "..."}   replace the group's invite
//	GET  /invite/{group}                     latest invite, 404 if none
//	POST /answer/{group}   {"code": "..."}   enqueue an answer code
//	GET  /answer/{group}                     drain queued answers
//
// All requests accept a context for cancellation. Non-2xx statuses are
// returned as errors with the method, path and status text.
package relay
