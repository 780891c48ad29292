// ABOUTME: Package documentation for the fallback responder.
// ABOUTME: Explains the ordered rule table and the fixed fallback confidence.

// Package fallback produces deterministic, template-based phase responses
// when no AI provider can serve a request.
//
// # Rule Table
//
// Rules are evaluated in order and the first match wins. The phase name is
// matched first; if it matches nothing, the lowercased prompt is scanned:
//
//	testing        test, verify, coverage
//	review         review, audit, critique
//	planning       plan, design, architect
//	implementation implement, code, build, function
//	coordination   coordinate, summar, integrat
//	default        (always matches)
//
// Each template is parameterized by the task type and a trimmed subject line.
//
// # Guarantees
//
// Respond never fails and never blocks. The same input always produces the
// same output, with confidence DefaultConfidence (0.85) unless configured.
package fallback
