/*
Package types defines the shared data model for fluxpod: containers,
processors, secrets, and namespaces, plus the nested structures they embed
(env, volumes, accelerators, scale rules, health checks, meters).

Status and controller bookkeeping are modeled as tagged sum types
(ContainerStatusValue, ProcessorStatusValue) with IsActive/IsTerminal
methods, stored as raw JSON columns on the row types and parsed on demand
through typed accessors (Container.Status, Container.ControllerData, and
their Processor equivalents) rather than passed around as untyped maps.
*/
package types
