// Package connectivity keeps the engine's online/offline view.
//
// State changes come from two places: Set, for events observed outside the
// engine, and Check, which runs a probe. Transitions are delivered to
// OnChange listeners; the engine wires the session vault and the sync engine
// there so coming back online slides the session window and starts a sync.
package connectivity
