package sequencer

type (
	State string
	Flow  string
)

const (
	StateStart                       State = "start"
	StateDeployImplementation        State = "deploy_implementation"
	StateDeployAdminProxy            State = "deploy_admin_proxy"
	StateDeployServiceImplementation State = "deploy_service_implementation"
	StateEncodeInitializerCall       State = "encode_initializer_call"
	StateDeployInitializedProxy      State = "deploy_initialized_proxy"
	StateInvokeInitialize            State = "invoke_initialize"
	StateDeployNewImplementation     State = "deploy_new_implementation"
	StateLocateExistingProxyAdmin    State = "locate_existing_proxy_admin"
	StateInvokeUpgradeAndCall        State = "invoke_upgrade_and_call"
	StateAwaitConfirmation           State = "await_confirmation"
	StateComplete                    State = "complete"
)

const (
	FlowDeploy  Flow = "deploy"
	FlowUpgrade Flow = "upgrade"
)

var (
	deployStates = []State{
		StateStart,
		StateDeployImplementation,
		StateDeployAdminProxy,
		StateDeployServiceImplementation,
		StateEncodeInitializerCall,
		StateDeployInitializedProxy,
		StateInvokeInitialize,
		StateAwaitConfirmation,
		StateComplete,
	}

	upgradeStates = []State{
		StateStart,
		StateDeployNewImplementation,
		StateLocateExistingProxyAdmin,
		StateInvokeUpgradeAndCall,
		StateAwaitConfirmation,
		StateComplete,
	}
)

// States lists the states of flow in execution order.
func States(flow Flow) []State {
	switch flow {
	case FlowDeploy:
		return append([]State(nil), deployStates...)
	case FlowUpgrade:
		return append([]State(nil), upgradeStates...)
	default:
		return nil
	}
}

func next(flow Flow, current State) (State, bool) {
	states := States(flow)
	for i, state := range states {
		if state == current && i+1 < len(states) {
			return states[i+1], true
		}
	}
	return "", false
}
