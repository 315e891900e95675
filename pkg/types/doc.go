/*
Package types defines the core data structures used throughout fleetd.

This package contains the domain model for target-state synchronization
and dependent-device reconciliation: the cached target-state document,
dependent apps and devices in their current and target shapes, and the
reconciliation steps produced by the planner.

All types are designed to be:
  - Serializable (JSON, both for the API and the store)
  - Deep-copyable (Clone methods, so shared documents never alias)
  - Normalized (config/environment maps are never nil after a read)

Core Types

Target state:
  - TargetState: Full document plus its ETag validation token
  - DependentState: Parsed dependent section (apps + device targets)

Dependent fleet:
  - DependentApp: App identity, commit, image and config/env maps
  - DependentDevice: Live device row (status, online, deletion mark)
  - DeviceTarget: Desired device row (name + per-app target state)
  - DeviceAppState: One device's commit/config/environment for one app

Reconciliation:
  - Step: Unit of work (fetch, updateDependentTargets,
    removeDependentApp, sendDependentHooks, noop)
  - StepAction: Enumerated action tag, dispatched exhaustively
  - HookTarget: Device row paired with the state to deliver
*/
package types
