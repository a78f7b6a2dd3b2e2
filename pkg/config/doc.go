// Package config loads everything shipyard reads from disk: Starlark recipes,
// host inventories and the tool's own settings.
//
// # Recipes
//
// A recipe is a Starlark file that declares config entries and tasks on an
// engine.Engine. RecipeLoader exposes the engine's recipe-facing API as builtins:
//
//	include("symfony6")                  # a built-in recipe, or a relative .star path
//
//	set("deploy_path", "/var/www/shop")
//	set("release_name", lambda: run("date +%Y%m%d%H%M%S"))
//
//	def _migrate():
//	    run("{{bin/php}} {{bin/console}} doctrine:migrations:migrate {{console_options}}")
//
//	task("database:migrate", _migrate, desc = "Migrate database")
//	task("build:assets", "yarn build", local = True)
//	after("deploy:update_code", "database:migrate")
//
// A task body is a command template, a list of task names or a function.
// Functions passed to task() and set() run while the engine executes a task and
// reach the current host through run(), test(), upload(), download(), invoke(),
// get(), parse() and host(). At load time get(), has() and parse() see global
// entries only.
//
// The built-in recipes are embedded from the recipes directory: common (release
// layout), docker and symfony6.
//
// # Inventory
//
// LoadInventory reads hosts from YAML or CUE:
//
//	defaults:
//	  user: deploy
//	hosts:
//	  - name: web1
//	    hostname: 10.0.0.1
//	    labels: {role: web}
//	    config:
//	      branch: release
//
// CUE inventories are checked against the #Inventory schema of SchemaRegistry
// and may compute hosts with comprehensions. Both formats are validated with
// go-playground/validator; errors carry the file, line and field path.
//
// # Settings
//
// LoadSettings reads shipyard.yaml over DefaultSettings and applies SHIPYARD_*
// environment overrides. Settings.TelemetryConfig maps logging, tracing and
// metrics onto the telemetry package.
package config
