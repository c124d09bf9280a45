// Package testutil provides fixtures shared by punchsync package tests:
// a controllable wall clock, temporary stores with a seeded organization,
// and scripted device connectors.
package testutil
