// Package mvc defines the types shared by the MVC acquisition pipeline. It contains:
//
//   - Sample: one timestamped force reading
//   - Phase / State: the timed sub-intervals of a trial and the controller states
//   - Trial: the per-trial phase spans, contraction capture and peak
//   - Reference / Result: the MVC reference and the normalized percent-of-MVC
//   - Status: a synthesized view model returned by the control API
//
// These types are shared across the sampler, controller, recorder, server and
// client code to keep JSON contracts consistent.
package mvc
