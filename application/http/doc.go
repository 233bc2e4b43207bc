// Package http holds the HTTP/1.x wire vocabulary shared by the
// transaction engine: versions, header fields, the header multimap,
// status texts and request-head encoding.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc9110
//
// - https://datatracker.ietf.org/doc/html/rfc9112
package http
