/*
Package storage provides the dependent-state store for fleetd.

State is persisted in BoltDB as JSON rows, one bucket per table:

	dependent_apps           current app rows, keyed by appId
	dependent_apps_target    target app rows, keyed by appId
	dependent_devices        live device rows, keyed by uuid
	dependent_devices_target target device rows, keyed by uuid
	settings                 dynamic agent settings, keyed by name

The Store interface is the only surface other packages use; BoltStore
is the production implementation.

Consistency rules:

  - SetTarget is transactional and self-cleaning: it upserts every row
    of the desired set and deletes every row absent from it, so a crash
    cannot leave the target tables half-replaced and re-applying the
    same desired state is a no-op.
  - Each target device's per-app entry is stamped with the commit of
    its parent target app during SetTarget.
  - RemoveApp deletes the app row and all of its device rows in one
    transaction.
  - Every row is normalized on read: config/environment/apps maps that
    were absent or null come back as empty maps, never nil.
*/
package storage
