// Package api exposes the REST interface for submitting liquidity
// operations, inspecting their lifecycle, and previewing operation plans.
package api
