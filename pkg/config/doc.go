// Package config loads what a provisioning run is made of: the YAML
// inventory of targets and roles, and the Starlark scripts that define the
// roles.
//
// # Inventory
//
// An inventory lists targets (local, chroot, worker or ssh), the role
// scripts available by name, template search paths, concurrency, and the
// logging, tracing and metrics settings:
//
//	concurrency: 4
//	targets:
//	  - name: image
//	    type: chroot
//	    root: /srv/images/bookworm
//	  - name: web1
//	    type: ssh
//	    worker_path: ./bin/provision-worker
//	    ssh: {host: web1.example.org, user: root, auth: agent}
//	roles:
//	  - name: motd
//	    script: roles/motd.star
//
// Relative paths are resolved against the inventory's directory. Unknown
// keys are rejected.
//
// # Role scripts
//
// A role script defines start(role). role.task(tag, **fields) queues an
// action of the registered type tag and returns a handle whose attributes
// reflect the action's fields and, once executed, its result:
//
//	def start(role):
//	    motd = role.task("copy", dest="/etc/motd",
//	                     content=template("motd.j2"), notify="sshd")
//	    role.task("command", argv=["update-motd"], when={motd: CHANGED})
//
// Reserved keyword arguments are name, notify, when and then. then takes a
// callable, or a list of them, invoked with the executed action; callbacks
// may queue further tasks. role.with_when(when, fn) and
// role.with_notify(roles, fn) apply defaults to every task queued by fn.
package config
