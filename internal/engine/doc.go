/*
Package engine runs pipes in process.

A pipe is compiled into a plan before it runs: sequence steps are resolved
against the registry up front, so a run never touches the registry again and
keeps working if the session that loaded it is cleaned up mid-run.

# Pipe types

  - PipeTemplate renders a text/template whose fields are the pipe inputs.
  - PipeFunc calls a function from a FuncRegistry with the inputs in
    declaration order.
  - PipeSequence runs its steps in order. Each step reads its inputs from
    working memory and writes its output under the step's result name; the
    last step's output is the sequence output.

# Components

Validator performs structural checks and dry runs. Executor runs a plan
against concrete inputs. Dispatcher wraps the executor with run records,
lifecycle events and asynchronous starts.
*/
package engine
